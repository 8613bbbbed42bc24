package mesh

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/deferd/internal/config"
	"github.com/nadmax/deferd/internal/repository/models"
)

// Grid is the live carbon profile of the node executing a task.
type Grid struct {
	IntensityGPerKWh float64
	RenewablePercent float64
}

func PeerGrid(p models.Peer) Grid {
	return Grid{IntensityGPerKWh: p.GridIntensityGPerKWh, RenewablePercent: p.RenewablePercent}
}

// Accountant computes Carbon Records. Avoided carbon is measured against a
// reference intensity, typically the peak-hour grid.
type Accountant struct {
	LocalPeerID      string
	Local            Grid
	ReferenceGPerKWh float64
}

func AccountantFrom(cfg config.Config) Accountant {
	return Accountant{
		LocalPeerID: cfg.Mesh.LocalPeerID,
		Local: Grid{
			IntensityGPerKWh: cfg.Carbon.LocalIntensityGPerKWh,
			RenewablePercent: cfg.Carbon.LocalRenewablePercent,
		},
		ReferenceGPerKWh: cfg.Carbon.ReferenceIntensityGPerKWh,
	}
}

// Record builds the carbon record of a task that drew watts for d on peerID.
func (a Accountant) Record(taskID, peerID string, grid Grid, watts int, d time.Duration, executedAt time.Time) models.CarbonRecord {
	energyWh := float64(watts) * d.Hours()
	kWh := energyWh / 1000
	emitted := kWh * grid.IntensityGPerKWh / 1000
	avoided := math.Max(0, kWh*a.ReferenceGPerKWh/1000-emitted)

	return models.CarbonRecord{
		ID:                   uuid.New().String(),
		TaskID:               taskID,
		PeerID:               peerID,
		GridIntensityGPerKWh: grid.IntensityGPerKWh,
		RenewablePercent:     grid.RenewablePercent,
		EnergyUsedWh:         energyWh,
		CarbonEmittedKg:      emitted,
		CarbonAvoidedKg:      avoided,
		ExecutedAt:           executedAt.UTC(),
	}
}

// RecordLocal accounts a task executed on this node.
func (a Accountant) RecordLocal(taskID string, watts int, d time.Duration, executedAt time.Time) models.CarbonRecord {
	return a.Record(taskID, a.LocalPeerID, a.Local, watts, d, executedAt)
}
