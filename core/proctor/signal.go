package proctor

import (
	"time"
)

// SignalKind names the kind of misconduct a detector observed.
type SignalKind string

const (
	NoFace            SignalKind = "no_face"
	MultiFace         SignalKind = "multi_face"
	HeadTurn          SignalKind = "head_turn"
	EyeGaze           SignalKind = "eye_gaze"
	IdentityMismatch  SignalKind = "identity_mismatch"
	FullscreenExit    SignalKind = "fullscreen_exit"
	TabSwitch         SignalKind = "tab_switch"
	CopyPaste         SignalKind = "copy_paste"
	CameraOff         SignalKind = "camera_off"
	ForbiddenShortcut SignalKind = "forbidden_shortcut"
)

var AllSignalKinds = []SignalKind{
	NoFace, MultiFace, HeadTurn, EyeGaze, IdentityMismatch,
	FullscreenExit, TabSwitch, CopyPaste, CameraOff, ForbiddenShortcut,
}

func (k SignalKind) Valid() bool {
	for _, kind := range AllSignalKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Audited kinds are also sent to the audit sink so reviews survive the live session.
func (k SignalKind) Audited() bool {
	switch k {
	case NoFace, MultiFace, IdentityMismatch:
		return true
	}
	return false
}

// Label is the human readable name shown to invigilators.
func (k SignalKind) Label() string {
	switch k {
	case NoFace:
		return "No face detected"
	case MultiFace:
		return "Multiple faces detected"
	case HeadTurn:
		return "Head turned away"
	case EyeGaze:
		return "Looking away from screen"
	case IdentityMismatch:
		return "Identity mismatch"
	case FullscreenExit:
		return "Exited fullscreen"
	case TabSwitch:
		return "Switched tab or window"
	case CopyPaste:
		return "Copy/paste attempt"
	case CameraOff:
		return "Camera turned off"
	case ForbiddenShortcut:
		return "Forbidden keyboard shortcut"
	}
	return string(k)
}

// RawSignal is a single observation produced by exactly one detector.
type RawSignal struct {
	Kind        SignalKind `json:"kind"`
	Confidence  float64    `json:"confidence"`
	Description string     `json:"description"`
	ObservedAt  time.Time  `json:"observed_at"`
}

// NewSignal builds a RawSignal, clamping confidence into [0, 1].
func NewSignal(kind SignalKind, confidence float64, description string, at time.Time) RawSignal {
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	if description == "" {
		description = kind.Label()
	}
	return RawSignal{
		Kind:        kind,
		Confidence:  confidence,
		Description: description,
		ObservedAt:  at.UTC(),
	}
}

// Decision tells the exam runtime whether the attempt may continue.
type Decision int

const (
	Continue Decision = iota
	ForceSubmit
)

func (d Decision) String() string {
	if d == ForceSubmit {
		return "force_submit"
	}
	return "continue"
}
