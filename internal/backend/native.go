package backend

import "math"

// #region native

// nativeBackend implements Backend with plain float32 loops.
type nativeBackend struct{}

func (nativeBackend) Name() string { return string(KindNative) }

func (nativeBackend) Zeros(size int) Tensor {
	return Tensor{Data: make([]float32, size), Shape: []int{size}}
}

func (nativeBackend) ZerosBatch(batch, size int) Tensor {
	return Tensor{Data: make([]float32, batch*size), Shape: []int{batch, size}}
}

func (nativeBackend) Concat(rows [][]float32) Tensor {
	return FromRows(rows)
}

func (nativeBackend) Affine(a, w Tensor, bias []float32) Tensor {
	n, h := a.Rows(), a.Cols()
	v := w.Rows()
	out := make([]float32, n*v)
	for i := 0; i < n; i++ {
		ai := a.Row(i)
		for j := 0; j < v; j++ {
			wj := w.Row(j)
			var sum float32
			for k := 0; k < h; k++ {
				sum += ai[k] * wj[k]
			}
			if bias != nil {
				sum += bias[j]
			}
			out[i*v+j] = sum
		}
	}
	return Matrix(n, v, out)
}

func (nativeBackend) LogSoftmax(t Tensor) Tensor {
	n, c := t.Rows(), t.Cols()
	out := make([]float32, n*c)
	for i := 0; i < n; i++ {
		row := t.Row(i)
		max := row[0]
		for _, x := range row[1:] {
			if x > max {
				max = x
			}
		}
		var sum float64
		for _, x := range row {
			sum += math.Exp(float64(x - max))
		}
		lse := float64(max) + math.Log(sum)
		for j, x := range row {
			out[i*c+j] = float32(float64(x) - lse)
		}
	}
	return Matrix(n, c, out)
}

func (nativeBackend) Dot(x, y []float32) float32 {
	var sum float32
	for i := range x {
		sum += x[i] * y[i]
	}
	return sum
}

// #endregion native
