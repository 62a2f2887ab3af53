package render

// Real spherical harmonics constants, bands 0 through 3.
const (
	shC0 float32 = 0.28209479177387814
	shC1 float32 = 0.4886025119029199
)

var shC2 = [5]float32{
	1.0925484305920792,
	-1.0925484305920792,
	0.31539156525252005,
	-1.0925484305920792,
	0.5462742152960396,
}

var shC3 = [7]float32{
	-0.5900435899266435,
	2.890611442640554,
	-0.4570457994644658,
	0.3731763325901154,
	-0.4570457994644658,
	1.445305721320277,
	-0.5900435899266435,
}

// shBasis writes the basis values for a unit direction into b, which must
// hold (degree+1)^2 entries. The same values weight both the forward color
// sum and its coefficient gradients.
func shBasis(x, y, z float32, degree int, b []float32) {
	b[0] = shC0
	if degree < 1 {
		return
	}
	b[1] = -shC1 * y
	b[2] = shC1 * z
	b[3] = -shC1 * x
	if degree < 2 {
		return
	}
	xx, yy, zz := x*x, y*y, z*z
	xy, yz, xz := x*y, y*z, x*z
	b[4] = shC2[0] * xy
	b[5] = shC2[1] * yz
	b[6] = shC2[2] * (2*zz - xx - yy)
	b[7] = shC2[3] * xz
	b[8] = shC2[4] * (xx - yy)
	if degree < 3 {
		return
	}
	b[9] = shC3[0] * y * (3*xx - yy)
	b[10] = shC3[1] * xy * z
	b[11] = shC3[2] * y * (4*zz - xx - yy)
	b[12] = shC3[3] * z * (2*zz - 3*xx - 3*yy)
	b[13] = shC3[4] * x * (4*zz - xx - yy)
	b[14] = shC3[5] * z * (xx - yy)
	b[15] = shC3[6] * x * (xx - 3*yy)
}

// shCoeffs returns the number of coefficients for a degree.
func shCoeffs(degree int) int {
	n := degree + 1
	return n * n
}
