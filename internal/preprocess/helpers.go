package preprocess

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// StandardizeFeatures centers and scales each matrix. With all set the whole
// matrix shares one mean and std, otherwise each column is scaled on its own.
// Non-finite results (zero-variance features) are replaced with 0.
func StandardizeFeatures(all bool, ms ...*mat.Dense) []*mat.Dense {
	out := make([]*mat.Dense, len(ms))
	for k, m := range ms {
		r, c := m.Dims()
		var mean, std []float64
		if all {
			flat := make([]float64, 0, r*c)
			for i := 0; i < r; i++ {
				flat = append(flat, m.RawRowView(i)...)
			}
			mu := stat.Mean(flat, nil)
			sd := math.Sqrt(stat.PopVariance(flat, nil))
			mean, std = make([]float64, c), make([]float64, c)
			for j := range mean {
				mean[j], std[j] = mu, sd
			}
		} else {
			mean, std = columnStats(m)
		}
		res := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v := (m.At(i, j) - mean[j]) / std[j]
				if math.IsNaN(v) || math.IsInf(v, 0) {
					v = 0
				}
				res.Set(i, j, v)
			}
		}
		out[k] = res
	}
	return out
}

// SubsampleFeatures keeps nums[k] random columns of ms[k].
func SubsampleFeatures(rng *rand.Rand, nums []int, ms ...*mat.Dense) ([]*mat.Dense, error) {
	if len(nums) != len(ms) {
		return nil, fmt.Errorf("%w: %d feature counts for %d modalities", ErrModalityCount, len(nums), len(ms))
	}
	out := make([]*mat.Dense, len(ms))
	for k, m := range ms {
		_, c := m.Dims()
		if nums[k] > c {
			return nil, fmt.Errorf("cannot draw %d features from %d", nums[k], c)
		}
		out[k] = selectColumns(m, rng.Perm(c)[:nums[k]])
	}
	return out, nil
}

// SubsampleNodes keeps the same num random rows of every matrix.
func SubsampleNodes(rng *rand.Rand, num int, ms ...*mat.Dense) ([]*mat.Dense, []int, error) {
	if len(ms) == 0 {
		return nil, nil, nil
	}
	rows, _ := ms[0].Dims()
	for _, m := range ms[1:] {
		if r, _ := m.Dims(); r != rows {
			return nil, nil, ErrNodeMismatch
		}
	}
	if num > rows {
		return nil, nil, fmt.Errorf("cannot draw %d nodes from %d", num, rows)
	}
	idx := rng.Perm(rows)[:num]
	out := make([]*mat.Dense, len(ms))
	for k, m := range ms {
		out[k] = selectRows(m, idx)
	}
	return out, idx, nil
}

// CosineSimilarity returns the pairwise cosine similarity between rows of m.
// Rows with zero norm have similarity 0 with everything.
func CosineSimilarity(m *mat.Dense) *mat.Dense {
	r, _ := m.Dims()
	norms := make([]float64, r)
	for i := range norms {
		norms[i] = mat.Norm(m.RowView(i), 2)
	}
	var dot mat.Dense
	dot.Mul(m, m.T())
	for i := 0; i < r; i++ {
		for j := 0; j < r; j++ {
			denom := norms[i] * norms[j]
			if denom == 0 {
				dot.Set(i, j, 0)
				continue
			}
			dot.Set(i, j, dot.At(i, j)/denom)
		}
	}
	return &dot
}

// EuclideanDistance returns pairwise distances between rows of m. When scaled
// is set each distance is divided by the square root of the column count.
func EuclideanDistance(m *mat.Dense, scaled bool) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, r, nil)
	scale := 1.0
	if scaled && c > 0 {
		scale = math.Sqrt(float64(c))
	}
	for i := 0; i < r; i++ {
		for j := i + 1; j < r; j++ {
			var diff mat.VecDense
			diff.SubVec(m.RowView(i), m.RowView(j))
			d := mat.Norm(&diff, 2) / scale
			out.Set(i, j, d)
			out.Set(j, i, d)
		}
	}
	return out
}
