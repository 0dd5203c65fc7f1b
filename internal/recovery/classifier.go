package recovery

import (
	"strings"
	"time"
)

// ErrorType is the classified category of a pipeline failure.
type ErrorType string

const (
	TypeRapidInterruption ErrorType = "rapid_interruption"
	TypeNetwork           ErrorType = "network"
	TypeAudioDevice       ErrorType = "audio_device"
	TypeDetection         ErrorType = "detection"
	TypeStateCorruption   ErrorType = "state_corruption"
	TypeSync              ErrorType = "sync"
	TypeUnknown           ErrorType = "unknown"
)

// Burst thresholds: more than burstCount interruptions inside burstWindow is
// treated as the user mashing the interrupt, not a real failure.
const (
	burstCount  = 3
	burstWindow = 5 * time.Second
)

var networkMarkers = []string{"network", "timeout", "timed out", "fetch", "connection", "synthesis", "dial", "refused", "503", "502"}
var audioMarkers = []string{"audio", "playback", "output", "device", "speaker", "voice channel"}
var detectionMarkers = []string{"microphone", "mic ", "capture", "stream", "detection", "calibration"}
var stateMarkers = []string{"preserved state", "state not found", "no active response", "corrupt"}
var syncMarkers = []string{"avatar", "animation", "viseme", "lip-sync", "sync"}

func matchesAny(msg string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// classify orders checks by priority: an interruption burst wins over
// everything, then the message heuristics run from most to least specific.
// recentInterruptions is the count inside the trailing burst window.
func classify(err error, recentInterruptions int) ErrorType {
	if recentInterruptions > burstCount {
		return TypeRapidInterruption
	}
	if err == nil {
		return TypeUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case matchesAny(msg, networkMarkers):
		return TypeNetwork
	case matchesAny(msg, audioMarkers):
		return TypeAudioDevice
	case matchesAny(msg, detectionMarkers):
		return TypeDetection
	case matchesAny(msg, stateMarkers):
		return TypeStateCorruption
	case matchesAny(msg, syncMarkers):
		return TypeSync
	default:
		return TypeUnknown
	}
}
