package conversation

import (
	"math/rand"

	"github.com/asterhq/aster/assets"
)

// chooseAck picks a journal acknowledgment by weight. The option set
// includes an empty-text variant, so "no reply at all" is an explicit
// outcome, not an error path. randFn returns a value in [0, n).
func chooseAck(options []assets.Acknowledgment, randFn func(n int) int) string {
	total := 0
	for _, o := range options {
		if o.Weight > 0 {
			total += o.Weight
		}
	}
	if total == 0 {
		return ""
	}
	if randFn == nil {
		randFn = rand.Intn
	}
	pick := randFn(total)
	for _, o := range options {
		if o.Weight <= 0 {
			continue
		}
		pick -= o.Weight
		if pick < 0 {
			return o.Text
		}
	}
	return ""
}
