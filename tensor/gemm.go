// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import "fmt"

// Pure-Go GEMM.
//
// The kernels below implement C = alpha*op(A)@op(B) + beta*C with explicit
// leading dimensions, mirroring the cblas_sgemm calling convention so that
// layer backward passes can operate on strided views (e.g. one attention
// head's [seq, headDim] slice of a [batch, seq, nHeads, headDim] array)
// without materializing copies.
//
// The inner loops are ordered i-k-j so the innermost loop walks both B and C
// rows contiguously, which keeps the pure-Go path within a small factor of
// a BLAS call for the matrix sizes this codebase uses.

// Gemm computes C = alpha*op(A)@op(B) + beta*C for row-major matrices.
//
// transA, transB select op(X) = X or X^T. m, n, k are the logical dimensions:
// op(A) is [m, k], op(B) is [k, n], C is [m, n]. lda, ldb, ldc are the strides
// in elements between consecutive rows of the stored (untransposed) matrices.
func Gemm(transA, transB bool, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	if beta != 1 {
		for i := 0; i < m; i++ {
			row := c[i*ldc : i*ldc+n]
			if beta == 0 {
				for j := range row {
					row[j] = 0
				}
			} else {
				for j := range row {
					row[j] *= beta
				}
			}
		}
	}

	// aAt returns the element of op(A) at (i, p); bRow the p-th row of op(B).
	// The no-trans/trans cases are expanded separately so the hot no-trans
	// path stays free of branch overhead in the innermost loop.
	switch {
	case !transA && !transB:
		for i := 0; i < m; i++ {
			cRow := c[i*ldc : i*ldc+n]
			aRow := a[i*lda : i*lda+k]
			for p := 0; p < k; p++ {
				av := alpha * aRow[p]
				if av == 0 {
					continue
				}
				bRow := b[p*ldb : p*ldb+n]
				for j := range cRow {
					cRow[j] += av * bRow[j]
				}
			}
		}
	case transA && !transB:
		// op(A)[i, p] = A[p, i]
		for i := 0; i < m; i++ {
			cRow := c[i*ldc : i*ldc+n]
			for p := 0; p < k; p++ {
				av := alpha * a[p*lda+i]
				if av == 0 {
					continue
				}
				bRow := b[p*ldb : p*ldb+n]
				for j := range cRow {
					cRow[j] += av * bRow[j]
				}
			}
		}
	case !transA && transB:
		// op(B)[p, j] = B[j, p]: dot products of A rows with B rows.
		for i := 0; i < m; i++ {
			cRow := c[i*ldc : i*ldc+n]
			aRow := a[i*lda : i*lda+k]
			for j := 0; j < n; j++ {
				bRow := b[j*ldb : j*ldb+k]
				sum := float32(0)
				for p := range aRow {
					sum += aRow[p] * bRow[p]
				}
				cRow[j] += alpha * sum
			}
		}
	default: // transA && transB
		for i := 0; i < m; i++ {
			cRow := c[i*ldc : i*ldc+n]
			for j := 0; j < n; j++ {
				sum := float32(0)
				for p := 0; p < k; p++ {
					sum += a[p*lda+i] * b[j*ldb+p]
				}
				cRow[j] += alpha * sum
			}
		}
	}
}

// Matmul computes matrix multiplication C = A @ B.
//
//	C[i,j] = sum_k A[i,k] * B[k,j]
//
// Supports 2D [M,K] x [K,N] -> [M,N] and batched 3D [B,M,K] x [B,K,N] -> [B,M,N].
func Matmul(a, b *Tensor) *Tensor {
	if a.shape.NDim() < 2 || b.shape.NDim() < 2 {
		panic("tensor: matmul requires at least 2D tensors")
	}
	aM, aK := a.shape.At(-2), a.shape.At(-1)
	bK, bN := b.shape.At(-2), b.shape.At(-1)
	if aK != bK {
		panic(fmt.Sprintf("tensor: matmul dimension mismatch: %d vs %d", aK, bK))
	}

	var batchSize int
	var resultShape Shape
	switch {
	case a.shape.NDim() == 2 && b.shape.NDim() == 2:
		batchSize = 1
		resultShape = NewShape(aM, bN)
	case a.shape.NDim() == 3 && b.shape.NDim() == 3:
		if a.shape.At(0) != b.shape.At(0) {
			panic(fmt.Sprintf("tensor: matmul batch mismatch: %d vs %d", a.shape.At(0), b.shape.At(0)))
		}
		batchSize = a.shape.At(0)
		resultShape = NewShape(batchSize, aM, bN)
	default:
		panic("tensor: unsupported batch dimensions")
	}

	result := New(resultShape)
	aStride, bStride, cStride := aM*aK, bK*bN, aM*bN
	for batch := 0; batch < batchSize; batch++ {
		aOff, bOff, cOff := batch*aStride, batch*bStride, batch*cStride
		Gemm(false, false, aM, bN, aK,
			1.0, a.data[aOff:aOff+aStride], aK,
			b.data[bOff:bOff+bStride], bN,
			0.0, result.data[cOff:cOff+cStride], bN)
	}
	return result
}

// MatmulTransposedB computes C = A @ B^T without materializing the transpose.
// A: [M, K], B: [N, K] -> C: [M, N]. This is the hot path for Linear.Forward,
// whose weight is stored as [out_features, in_features].
func MatmulTransposedB(a, b *Tensor) *Tensor {
	if a.shape.NDim() != 2 || b.shape.NDim() != 2 {
		panic("tensor: MatmulTransposedB requires 2D tensors")
	}
	aM, aK := a.shape.At(-2), a.shape.At(-1)
	bN, bK := b.shape.At(-2), b.shape.At(-1)
	if aK != bK {
		panic(fmt.Sprintf("tensor: matmulT dimension mismatch: %d vs %d", aK, bK))
	}
	result := New(NewShape(aM, bN))
	Gemm(false, true, aM, bN, aK,
		1.0, a.data, aK,
		b.data, bK,
		0.0, result.data, bN)
	return result
}

// Transpose swaps the last two dimensions by explicit element copy.
// For a [B, M, N] tensor, produces [B, N, M].
func (t *Tensor) Transpose() *Tensor {
	if t.shape.NDim() < 2 {
		panic("tensor: transpose requires at least 2D tensor")
	}
	dims := t.shape.Dims()
	dims[len(dims)-1], dims[len(dims)-2] = dims[len(dims)-2], dims[len(dims)-1]
	result := New(NewShape(dims...))
	rows, cols := t.shape.At(-2), t.shape.At(-1)
	batchSize := t.shape.Numel() / (rows * cols)
	for batch := 0; batch < batchSize; batch++ {
		srcOff, dstOff := batch*rows*cols, batch*cols*rows
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				result.data[dstOff+j*rows+i] = t.data[srcOff+i*cols+j]
			}
		}
	}
	return result
}
