// Package preprocess prepares multi-modal feature matrices (one row per node,
// one column per feature) before they are cast into tensors.
package preprocess

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/Oafish1/cellTRIP/internal/tensor"
)

var (
	// ErrNotFitted is returned when Transform runs before Fit.
	ErrNotFitted = errors.New("preprocessing not fitted")
	// ErrModalityCount indicates per-modality settings disagree with the input.
	ErrModalityCount = errors.New("modality count mismatch")
	// ErrNodeMismatch indicates modalities with different node counts were subsampled together.
	ErrNodeMismatch = errors.New("modalities must share node count")
)

// Options selects which steps a Preprocessing applies.
type Options struct {
	Standardize bool
	// TopVariant keeps the n highest-variance features per modality.
	TopVariant []int
	// PCADim projects each modality onto its first n principal components.
	PCADim []int
	// NumNodes subsamples this many nodes; zero keeps all.
	NumNodes int
	// NumFeatures subsamples this many features per modality.
	NumFeatures []int
	// Device is where Cast places tensors.
	Device tensor.Device
}

type pca struct {
	mean       []float64
	components *mat.Dense // features x dim
}

// Preprocessing fits per-modality transforms once and applies them to new data.
type Preprocessing struct {
	opts Options
	rng  *rand.Rand

	fitted bool
	mean   [][]float64
	std    [][]float64
	filter [][]int
	pca    []pca
}

// New returns an unfitted Preprocessing.
func New(opts Options, rng *rand.Rand) *Preprocessing {
	return &Preprocessing{opts: opts, rng: rng}
}

// Fit learns standardization statistics, feature filters and PCA projections.
// Modalities are fitted concurrently.
func (p *Preprocessing) Fit(modalities []*mat.Dense) error {
	n := len(modalities)
	if p.opts.TopVariant != nil && len(p.opts.TopVariant) != n {
		return fmt.Errorf("%w: %d top-variant settings for %d modalities", ErrModalityCount, len(p.opts.TopVariant), n)
	}
	if p.opts.PCADim != nil && len(p.opts.PCADim) != n {
		return fmt.Errorf("%w: %d pca settings for %d modalities", ErrModalityCount, len(p.opts.PCADim), n)
	}

	p.mean = make([][]float64, n)
	p.std = make([][]float64, n)
	p.filter = make([][]int, n)
	p.pca = make([]pca, n)

	var g errgroup.Group
	for i, m := range modalities {
		i, m := i, m
		g.Go(func() error {
			if p.opts.Standardize || p.opts.TopVariant != nil {
				p.mean[i], p.std[i] = columnStats(m)
			}
			if p.opts.TopVariant != nil {
				p.filter[i] = topColumns(p.std[i], p.opts.TopVariant[i])
				m = selectColumns(m, p.filter[i])
			}
			if p.opts.PCADim != nil {
				fitted, err := fitPCA(m, p.opts.PCADim[i])
				if err != nil {
					return fmt.Errorf("modality %d: %w", i, err)
				}
				p.pca[i] = fitted
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.fitted = true
	return nil
}

// Transform applies the fitted steps in order: standardize, filter, project.
func (p *Preprocessing) Transform(modalities []*mat.Dense) ([]*mat.Dense, error) {
	if !p.fitted {
		return nil, ErrNotFitted
	}
	if len(modalities) != len(p.mean) {
		return nil, fmt.Errorf("%w: fitted %d, got %d", ErrModalityCount, len(p.mean), len(modalities))
	}
	out := make([]*mat.Dense, len(modalities))
	for i, m := range modalities {
		if p.opts.Standardize {
			m = standardize(m, p.mean[i], p.std[i])
		}
		if p.opts.TopVariant != nil {
			m = selectColumns(m, p.filter[i])
		}
		if p.opts.PCADim != nil {
			m = p.pca[i].transform(m)
		}
		out[i] = m
	}
	return out, nil
}

// FitTransform fits and transforms the same modalities.
func (p *Preprocessing) FitTransform(modalities []*mat.Dense) ([]*mat.Dense, error) {
	if err := p.Fit(modalities); err != nil {
		return nil, err
	}
	return p.Transform(modalities)
}

// InverseTransform undoes PCA and standardization. Filtered-out features are
// not recovered, so standardization is only inverted when no filter is set.
func (p *Preprocessing) InverseTransform(modalities []*mat.Dense) ([]*mat.Dense, error) {
	if !p.fitted {
		return nil, ErrNotFitted
	}
	out := make([]*mat.Dense, len(modalities))
	for i, m := range modalities {
		if p.opts.PCADim != nil {
			m = p.pca[i].inverse(m)
		}
		if p.opts.Standardize && p.opts.TopVariant == nil {
			m = unstandardize(m, p.mean[i], p.std[i])
		}
		out[i] = m
	}
	return out, nil
}

// Subsampled is the result of Subsample.
type Subsampled struct {
	Modalities []*mat.Dense
	Types      [][]string
	NodeIdx    []int
}

// Subsample draws features and nodes at random. When partition is non-nil a
// single partition label is chosen first and only its nodes are eligible.
// types, when given, are filtered alongside the nodes.
func (p *Preprocessing) Subsample(modalities []*mat.Dense, types [][]string, partition []string) (Subsampled, error) {
	if len(modalities) == 0 {
		return Subsampled{}, nil
	}
	if p.opts.NumFeatures != nil {
		var err error
		if modalities, err = SubsampleFeatures(p.rng, p.opts.NumFeatures, modalities...); err != nil {
			return Subsampled{}, err
		}
	}

	rows, _ := modalities[0].Dims()
	nodeIdx := make([]int, 0, rows)
	if partition != nil {
		labels := uniqueSorted(partition)
		choice := labels[p.rng.Intn(len(labels))]
		for i, label := range partition {
			if label == choice {
				nodeIdx = append(nodeIdx, i)
			}
		}
	} else {
		for i := 0; i < rows; i++ {
			nodeIdx = append(nodeIdx, i)
		}
	}

	if p.opts.NumNodes > 0 {
		for _, m := range modalities {
			if r, _ := m.Dims(); r != rows {
				return Subsampled{}, ErrNodeMismatch
			}
		}
		if p.opts.NumNodes > len(nodeIdx) {
			return Subsampled{}, fmt.Errorf("cannot draw %d nodes from %d", p.opts.NumNodes, len(nodeIdx))
		}
		perm := p.rng.Perm(len(nodeIdx))[:p.opts.NumNodes]
		chosen := make([]int, len(perm))
		for i, j := range perm {
			chosen[i] = nodeIdx[j]
		}
		nodeIdx = chosen
	}

	out := Subsampled{NodeIdx: nodeIdx, Modalities: make([]*mat.Dense, len(modalities))}
	for i, m := range modalities {
		out.Modalities[i] = selectRows(m, nodeIdx)
	}
	if types != nil {
		out.Types = make([][]string, len(types))
		for i, t := range types {
			out.Types[i] = make([]string, len(nodeIdx))
			for k, j := range nodeIdx {
				out.Types[i][k] = t[j]
			}
		}
	}
	return out, nil
}

// Cast converts modalities into float32 tensors on the configured device.
func (p *Preprocessing) Cast(modalities []*mat.Dense) ([]*tensor.Tensor, error) {
	if p.opts.Device == "" {
		return nil, errors.New("device must be set to cast")
	}
	out := make([]*tensor.Tensor, len(modalities))
	for i, m := range modalities {
		r, c := m.Dims()
		data := make([]float32, 0, r*c)
		for row := 0; row < r; row++ {
			for _, v := range m.RawRowView(row) {
				data = append(data, float32(v))
			}
		}
		t, err := tensor.New(data, r, c)
		if err != nil {
			return nil, err
		}
		out[i] = t.To(p.opts.Device)
	}
	return out, nil
}

// InverseCast converts 2-D tensors back into dense matrices.
func (p *Preprocessing) InverseCast(tensors []*tensor.Tensor) ([]*mat.Dense, error) {
	out := make([]*mat.Dense, len(tensors))
	for i, t := range tensors {
		shape := t.Shape()
		if len(shape) != 2 {
			return nil, fmt.Errorf("%w: modality %d has shape %v", tensor.ErrShape, i, shape)
		}
		values := t.Data()
		data := make([]float64, len(values))
		for k, v := range values {
			data[k] = float64(v)
		}
		out[i] = mat.NewDense(shape[0], shape[1], data)
	}
	return out, nil
}

func fitPCA(m *mat.Dense, dim int) (pca, error) {
	_, c := m.Dims()
	var pc stat.PC
	if ok := pc.PrincipalComponents(m, nil); !ok {
		return pca{}, errors.New("principal component analysis failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	_, avail := vecs.Dims()
	if dim > avail {
		return pca{}, fmt.Errorf("requested %d components, only %d available", dim, avail)
	}
	mean := make([]float64, c)
	for j := 0; j < c; j++ {
		mean[j] = stat.Mean(mat.Col(nil, j, m), nil)
	}
	return pca{mean: mean, components: mat.DenseCopyOf(vecs.Slice(0, c, 0, dim))}, nil
}

func (p pca) transform(m *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(center(m, p.mean), p.components)
	return &out
}

func (p pca) inverse(m *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(m, p.components.T())
	r, c := out.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, out.At(i, j)+p.mean[j])
		}
	}
	return &out
}

// columnStats returns per-column mean and population standard deviation.
func columnStats(m *mat.Dense) (mean, std []float64) {
	_, c := m.Dims()
	mean = make([]float64, c)
	std = make([]float64, c)
	for j := 0; j < c; j++ {
		col := mat.Col(nil, j, m)
		mean[j] = stat.Mean(col, nil)
		std[j] = math.Sqrt(stat.PopVariance(col, nil))
	}
	return mean, std
}

// topColumns returns the n columns with the largest std, largest first.
func topColumns(std []float64, n int) []int {
	idx := make([]int, len(std))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return std[idx[a]] > std[idx[b]] })
	if n > len(idx) {
		n = len(idx)
	}
	return idx[:n]
}

func standardize(m *mat.Dense, mean, std []float64) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			s := std[j]
			if s == 0 {
				s = 1
			}
			out.Set(i, j, (m.At(i, j)-mean[j])/s)
		}
	}
	return out
}

func unstandardize(m *mat.Dense, mean, std []float64) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, m.At(i, j)*std[j]+mean[j])
		}
	}
	return out
}

func center(m *mat.Dense, mean []float64) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, m.At(i, j)-mean[j])
		}
	}
	return out
}

func selectColumns(m *mat.Dense, cols []int) *mat.Dense {
	r, _ := m.Dims()
	if len(cols) == 0 {
		return &mat.Dense{}
	}
	out := mat.NewDense(r, len(cols), nil)
	for k, j := range cols {
		out.SetCol(k, mat.Col(nil, j, m))
	}
	return out
}

func selectRows(m *mat.Dense, rows []int) *mat.Dense {
	_, c := m.Dims()
	if len(rows) == 0 {
		return &mat.Dense{}
	}
	out := mat.NewDense(len(rows), c, nil)
	for k, i := range rows {
		out.SetRow(k, m.RawRowView(i))
	}
	return out
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
