package conversion

import (
	"fmt"
	"strings"
	"time"
)

// StatutAction is the lease state machine: EN_COURS is the only non-terminal
// state; TERMINEE and ECHOUEE release the lease.
type StatutAction string

const (
	StatutEnCours  StatutAction = "EN_COURS"
	StatutTerminee StatutAction = "TERMINEE"
	StatutEchouee  StatutAction = "ECHOUEE"
)

// TypeActionConvertirCandidat is the conversion workflow the back office runs
// most: a prospect becoming an enrollment candidate.
const TypeActionConvertirCandidat = "CONVERTIR_CANDIDAT"

// Lock is a lease row over one (cible_id, type_action) pair.
type Lock struct {
	ID           string
	CibleID      string
	TypeAction   string
	StatutAction StatutAction
	Payload      map[string]any
	DateDebut    time.Time
	DateFin      *time.Time
}

// Status is the pre-flight answer for callers about to start a workflow.
type Status struct {
	EnCours bool
	Since   *time.Time
	Payload map[string]any
}

// ValidationError reports the request fields a caller must correct. It is the
// caller's fault, never the server's.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "conversion: invalid request: " + strings.Join(e.Fields, ", ")
}

// BusyError carries the holder's lease metadata so callers can tell users how
// long the conversion has already been running.
type BusyError struct {
	CibleID    string
	TypeAction string
	Since      time.Time
	Elapsed    time.Duration
	Payload    map[string]any
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("conversion: %s already running on %s for %s",
		e.TypeAction, e.CibleID, e.Elapsed.Round(time.Second))
}
