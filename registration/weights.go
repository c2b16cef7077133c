package registration

import (
	"errors"
	"fmt"
	"log"
	"math"
)

// resolveWeights copies the active scalar channel of set into a buffer
// indexed like set. It returns nil, and logs a warning, when set has no
// active channel; registration then continues unweighted for that role.
// Negative and non-finite values are treated as zero weight.
func resolveWeights(sc *scope, set PointSet, role string) ([]float64, error) {
	n := set.Size()

	var source []float64
	if ch, ok := set.(ScalarChannels); ok {
		name, active := ch.ActiveChannel()
		if !active {
			log.Printf("Warning: %s set has no active scalar channel; using uniform weights", role)
			return nil, nil
		}
		source, _ = ch.Channel(name)
	}

	weights, err := sc.allocFloats(n)
	if err != nil {
		return nil, err
	}
	if source != nil {
		copy(weights, source)
	} else {
		for i := 0; i < n; i++ {
			v, err := set.ScalarAt(i)
			if errors.Is(err, ErrNoChannel) {
				log.Printf("Warning: %s set has no active scalar channel; using uniform weights", role)
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("reading %s weight %d: %w", role, i, err)
			}
			weights[i] = v
		}
	}

	invalid := 0
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			weights[i] = 0
			invalid++
		}
	}
	if invalid > 0 {
		log.Printf("Warning: %d %s weights were negative or not finite and count as zero", invalid, role)
	}
	return weights, nil
}
