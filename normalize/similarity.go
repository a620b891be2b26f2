package normalize

import "github.com/xrash/smetrics"

const (
	jaroWinklerBoost  = 0.7
	jaroWinklerPrefix = 4
)

// JaroWinkler scores two folded strings in [0,1]. Pairs scoring above 0.7
// get a bonus for a shared prefix of up to four letters.
func JaroWinkler(a, b string) float64 {
	return smetrics.JaroWinkler(a, b, jaroWinklerBoost, jaroWinklerPrefix)
}
