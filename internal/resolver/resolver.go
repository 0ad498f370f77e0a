package resolver

import "voicekeep/internal/domain"

// Input is everything the strategy decision depends on.
type Input struct {
	Mode    domain.Mode
	Device  domain.DeviceProfile
	Granted map[string]bool
}

// Resolve picks the keep-alive strategy. Rules are evaluated in order and the
// first match wins:
//
//  1. audience sessions play silence;
//  2. anchor sessions without the capture permission get no strategy;
//  3. anchor sessions on a quirk-listed device hold the microphone open;
//  4. every other anchor session plays silence.
func Resolve(in Input, table *QuirkTable) domain.Strategy {
	if in.Mode != domain.ModeAnchor {
		return domain.StrategySilentPlayback
	}
	if !in.Granted[domain.PermissionRecordAudio] {
		return domain.StrategyNone
	}
	if table.Affects(in.Device) {
		return domain.StrategyFakeCapture
	}
	return domain.StrategySilentPlayback
}
