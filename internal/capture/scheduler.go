package capture

import "math/rand"

// Shuffle returns a random permutation of the configured challenges with duplicates removed.
// The input slice is never modified.
func Shuffle(challenges []ChallengeType, rng *rand.Rand) []ChallengeType {
	seen := make(map[ChallengeType]struct{}, len(challenges))
	out := make([]ChallengeType, 0, len(challenges))
	for _, c := range challenges {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}
