package detector

var flagDescriptions = map[string]string{
	FlagFrequentPasting:   "Multiple paste actions in a short period",
	FlagBurstTyping:       "Burst of keystrokes faster than plausible typing",
	FlagFrequentFocusLoss: "Repeatedly lost focus on the assessment window",
	FlagTabSwitching:      "Switched away from the assessment tab",
}

// Describe maps known flag names to human-readable descriptions. Unknown
// names are omitted from the result rather than treated as errors.
func Describe(flags []string) map[string]string {
	out := make(map[string]string, len(flags))
	for _, f := range flags {
		if desc, ok := flagDescriptions[f]; ok {
			out[f] = desc
		}
	}
	return out
}
