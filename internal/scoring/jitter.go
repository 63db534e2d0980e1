package scoring

import (
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/couchcryptid/point-verif/internal/domain"
)

// GaussianJitter returns a JitterFunc adding zero-mean Gaussian noise with
// standard deviation sd to every member value. The same seed gives the same
// perturbations for the same sequence of tables.
func GaussianJitter(sd float64, seed uint64) domain.JitterFunc {
	var mu sync.Mutex
	dist := distuv.Normal{Mu: 0, Sigma: sd, Src: rand.NewPCG(seed, seed)}

	return func(t domain.ForecastTable) domain.ForecastTable {
		out := t.Clone()
		if sd <= 0 {
			return out
		}
		mu.Lock()
		defer mu.Unlock()
		for i := range out.Rows {
			r := &out.Rows[i]
			for _, name := range r.MemberNames() {
				r.Members[name] += dist.Rand()
			}
		}
		return out
	}
}
