package events

import "github.com/mitchellh/mapstructure"

// Typed views over the free-form details payload. Decoding is deliberately
// forgiving: a missing or malformed field leaves the zero value, so threshold
// checks downstream simply fail instead of erroring.

type KeystrokeDetails struct {
	KeyCount int     `mapstructure:"keyCount"`
	Duration float64 `mapstructure:"duration"` // milliseconds
}

type PasteDetails struct {
	PasteLength int `mapstructure:"pasteLength"`
}

type FocusDetails struct {
	FocusLostDuration float64 `mapstructure:"focusLostDuration"` // milliseconds
}

// KeystrokeDetails decodes the event payload as keystroke metadata.
func (e Event) KeystrokeDetails() KeystrokeDetails {
	var d KeystrokeDetails
	decodeDetails(e.Details, &d)
	return d
}

// PasteDetails decodes the event payload as paste metadata.
func (e Event) PasteDetails() PasteDetails {
	var d PasteDetails
	decodeDetails(e.Details, &d)
	return d
}

// FocusDetails decodes the event payload as focus-loss metadata.
func (e Event) FocusDetails() FocusDetails {
	var d FocusDetails
	decodeDetails(e.Details, &d)
	return d
}

func decodeDetails(src map[string]any, dst any) {
	if src == nil {
		return
	}
	// WeakDecode tolerates JSON numbers arriving as float64 for int fields.
	// Decode errors are swallowed on purpose: malformed details behave as absent.
	_ = mapstructure.WeakDecode(src, dst)
}
