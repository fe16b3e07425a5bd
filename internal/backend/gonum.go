package backend

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// #region gonum

// gonumBackend implements Backend on gonum/mat dense matrices.
// gonum works in float64, so tensors are widened on entry and narrowed on exit.
type gonumBackend struct{}

func (gonumBackend) Name() string { return string(KindGonum) }

func (gonumBackend) Zeros(size int) Tensor {
	return Tensor{Data: make([]float32, size), Shape: []int{size}}
}

func (gonumBackend) ZerosBatch(batch, size int) Tensor {
	return Tensor{Data: make([]float32, batch*size), Shape: []int{batch, size}}
}

func (gonumBackend) Concat(rows [][]float32) Tensor {
	return FromRows(rows)
}

func (gonumBackend) Affine(a, w Tensor, bias []float32) Tensor {
	n, v := a.Rows(), w.Rows()
	var out mat.Dense
	out.Mul(toDense(a), toDense(w).T())
	res := make([]float32, n*v)
	for i := 0; i < n; i++ {
		for j := 0; j < v; j++ {
			x := out.At(i, j)
			if bias != nil {
				x += float64(bias[j])
			}
			res[i*v+j] = float32(x)
		}
	}
	return Matrix(n, v, res)
}

func (gonumBackend) LogSoftmax(t Tensor) Tensor {
	n, c := t.Rows(), t.Cols()
	out := make([]float32, n*c)
	row := make([]float64, c)
	for i := 0; i < n; i++ {
		src := t.Row(i)
		for j, x := range src {
			row[j] = float64(x)
		}
		lse := floats.LogSumExp(row)
		for j := range row {
			out[i*c+j] = float32(row[j] - lse)
		}
	}
	return Matrix(n, c, out)
}

func (gonumBackend) Dot(x, y []float32) float32 {
	xs := make([]float64, len(x))
	ys := make([]float64, len(y))
	for i := range x {
		xs[i] = float64(x[i])
		ys[i] = float64(y[i])
	}
	return float32(mat.Dot(mat.NewVecDense(len(xs), xs), mat.NewVecDense(len(ys), ys)))
}

func toDense(t Tensor) *mat.Dense {
	n, c := t.Rows(), t.Cols()
	data := make([]float64, n*c)
	for i, x := range t.Data {
		data[i] = float64(x)
	}
	return mat.NewDense(n, c, data)
}

// #endregion gonum
