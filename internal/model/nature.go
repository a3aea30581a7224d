package model

import (
	"errors"
	"fmt"
)

type Type string

const (
	TypeExecution Type = "execution"
	TypeMessage   Type = "message"
	TypeState     Type = "state"
)

type Quality string

const (
	QualityRun         Quality = "run"
	QualityRead        Quality = "read"
	QualityGroup       Quality = "group"
	QualityCancel      Quality = "cancel"
	QualityCommandLine Quality = "commandLine"
	QualityCancelation Quality = "cancelation"
	QualityAcknowledge Quality = "acknowledge"
	QualityGet         Quality = "get"
	QualityCreate      Quality = "create"
	QualityChangeState Quality = "changestate"
)

// Nature is the (type, quality) pair every component dispatches on.
type Nature struct {
	Type    Type    `json:"type"`
	Quality Quality `json:"quality"`
}

var (
	NatureRun         = Nature{Type: TypeExecution, Quality: QualityRun}
	NatureRead        = Nature{Type: TypeExecution, Quality: QualityRead}
	NatureCancel      = Nature{Type: TypeExecution, Quality: QualityCancel}
	NatureCommandLine = Nature{Type: TypeExecution, Quality: QualityCommandLine}
	NatureCancelation = Nature{Type: TypeExecution, Quality: QualityCancelation}
	NatureChangeState = Nature{Type: TypeExecution, Quality: QualityChangeState}
	NatureAcknowledge = Nature{Type: TypeMessage, Quality: QualityAcknowledge}
	NatureGet         = Nature{Type: TypeMessage, Quality: QualityGet}
	NatureStateCreate = Nature{Type: TypeState, Quality: QualityCreate}
)

var ErrUnknownNature = errors.New("unknown job nature")

func (n Nature) String() string {
	return string(n.Type) + "/" + string(n.Quality)
}

// BrokerKind is the closed set of natures the broker admits.
type BrokerKind int

const (
	BrokerRun BrokerKind = iota + 1
	BrokerRead
	BrokerCancel
)

func (k BrokerKind) String() string {
	switch k {
	case BrokerRun:
		return "run"
	case BrokerRead:
		return "read"
	case BrokerCancel:
		return "cancel"
	default:
		return fmt.Sprintf("BrokerKind(%d)", int(k))
	}
}

// BrokerKind maps the nature onto the broker's closed set. A command-line job
// submitted directly is a run job; "group" is an alias of "read".
func (n Nature) BrokerKind() (BrokerKind, error) {
	if n.Type != TypeExecution {
		return 0, fmt.Errorf("%w: %s", ErrUnknownNature, n)
	}
	switch n.Quality {
	case QualityRun, QualityCommandLine:
		return BrokerRun, nil
	case QualityRead, QualityGroup:
		return BrokerRead, nil
	case QualityCancel, QualityCancelation:
		return BrokerCancel, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownNature, n)
	}
}
