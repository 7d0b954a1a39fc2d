package kasa

import "strings"

var (
	plugPrefixes = []string{"HS", "KP", "EP"}
	bulbPrefixes = []string{"LB", "KL"}
)

// Classify maps a model string to its device family by prefix.
// Unrecognised models return KindUnknown.
func Classify(model string) Kind {
	for _, p := range plugPrefixes {
		if strings.HasPrefix(model, p) {
			return KindPlug
		}
	}
	for _, p := range bulbPrefixes {
		if strings.HasPrefix(model, p) {
			return KindBulb
		}
	}
	return KindUnknown
}
