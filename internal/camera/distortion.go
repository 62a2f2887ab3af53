package camera

const undistortMaxIter = 100

// UndistortPixel maps a distorted pixel coordinate back to its undistorted
// position by fixed-point iteration of the Brown-Conrady model. The
// distortion vector is [k1 k2 p1 p2 k3 k4]; a zero vector is the identity.
func (c *Camera) UndistortPixel(px, py float32) (float32, float32) {
	d := c.DistortionParams
	if d == ([6]float32{}) {
		return px, py
	}
	k1, k2, p1, p2, k3, k4 := d[0], d[1], d[2], d[3], d[4], d[5]

	// Normalize to the image plane.
	x0 := (px - c.Cx) / c.Fx
	y0 := (py - c.Cy) / c.Fy
	x, y := x0, y0

	for i := 0; i < undistortMaxIter; i++ {
		r2 := x*x + y*y
		radial := 1 + r2*(k1+r2*(k2+r2*(k3+r2*k4)))
		deltaX := 2*p1*x*y + p2*(r2+2*x*x)
		deltaY := p1*(r2+2*y*y) + 2*p2*x*y

		xPrev, yPrev := x, y
		x = (x0 - deltaX) / radial
		y = (y0 - deltaY) / radial

		dx := x - xPrev
		dy := y - yPrev
		if dx*dx+dy*dy == 0 {
			break
		}
	}

	return x*c.Fx + c.Cx, y*c.Fy + c.Cy
}
