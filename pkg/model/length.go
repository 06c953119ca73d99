package model

import "fmt"

// Unit is the unit in which an operation or cadence policy states its length.
type Unit string

const (
	UnitBatches Unit = "batches"
	UnitRecords Unit = "records"
	UnitEpochs  Unit = "epochs"
)

// String returns the string representation of the unit.
func (u Unit) String() string {
	return string(u)
}

// Length is a policy-specified amount of training work. Exactly one field
// must be set; the converter rejects anything else. The pointer form doubles
// as the yaml/json shape used in experiment configs, e.g.
//
//	min_validation_period:
//	  batches: 1000
type Length struct {
	Batches *int `yaml:"batches,omitempty" json:"batches,omitempty"`
	Records *int `yaml:"records,omitempty" json:"records,omitempty"`
	Epochs  *int `yaml:"epochs,omitempty" json:"epochs,omitempty"`
}

// LengthOf builds a Length from a unit and an amount.
func LengthOf(unit Unit, amount int) Length {
	switch unit {
	case UnitRecords:
		return Length{Records: &amount}
	case UnitEpochs:
		return Length{Epochs: &amount}
	default:
		return Length{Batches: &amount}
	}
}

// IsZero reports whether no field is set at all, i.e. the policy is absent.
func (l Length) IsZero() bool {
	return l.Batches == nil && l.Records == nil && l.Epochs == nil
}

func (l Length) String() string {
	return fmt.Sprintf("batches=%s records=%s epochs=%s",
		optInt(l.Batches), optInt(l.Records), optInt(l.Epochs))
}

func optInt(p *int) string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *p)
}

// CheckpointPolicy controls which validations trigger a follow-up checkpoint.
type CheckpointPolicy string

const (
	// CheckpointBest snapshots only after validations that beat the best
	// value known so far for the searcher metric.
	CheckpointBest CheckpointPolicy = "best"
	// CheckpointAll snapshots after every validation.
	CheckpointAll CheckpointPolicy = "all"
	// CheckpointNone never snapshots on validation; only cadence and
	// operation boundaries produce checkpoints.
	CheckpointNone CheckpointPolicy = "none"
)

// Valid reports whether p is a known policy value.
func (p CheckpointPolicy) Valid() bool {
	switch p {
	case CheckpointBest, CheckpointAll, CheckpointNone:
		return true
	}
	return false
}
