package backend

import "fmt"

// #region tensor

// Tensor is a dense row-major float32 array of rank 1 or 2.
// Rank-1 tensors have Shape [n]; rank-2 tensors have Shape [rows, cols].
type Tensor struct {
	Data  []float32
	Shape []int
}

// Vector wraps a float32 slice as a rank-1 tensor.
func Vector(data []float32) Tensor {
	return Tensor{Data: data, Shape: []int{len(data)}}
}

// Matrix wraps row-major data as a (rows, cols) tensor.
// Panics if the data length does not match rows*cols.
func Matrix(rows, cols int, data []float32) Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("backend: matrix data length %d != %d x %d", len(data), rows, cols))
	}
	return Tensor{Data: data, Shape: []int{rows, cols}}
}

// FromRows builds a (len(rows), cols) tensor by copying the given rows.
// Panics if rows are unevenly sized.
func FromRows(rows [][]float32) Tensor {
	if len(rows) == 0 {
		return Tensor{Shape: []int{0, 0}}
	}
	cols := len(rows[0])
	data := make([]float32, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			panic(fmt.Sprintf("backend: row %d has length %d, want %d", i, len(r), cols))
		}
		data = append(data, r...)
	}
	return Tensor{Data: data, Shape: []int{len(rows), cols}}
}

// Rank returns 1 or 2.
func (t Tensor) Rank() int {
	return len(t.Shape)
}

// Rows returns the number of rows; 1 for a rank-1 tensor.
func (t Tensor) Rows() int {
	if t.Rank() == 1 {
		return 1
	}
	return t.Shape[0]
}

// Cols returns the trailing dimension.
func (t Tensor) Cols() int {
	return t.Shape[len(t.Shape)-1]
}

// Row returns the i-th row without copying.
func (t Tensor) Row(i int) []float32 {
	c := t.Cols()
	return t.Data[i*c : (i+1)*c]
}

// At returns the element at (i, j) of a rank-2 tensor.
func (t Tensor) At(i, j int) float32 {
	return t.Data[i*t.Cols()+j]
}

// #endregion tensor
