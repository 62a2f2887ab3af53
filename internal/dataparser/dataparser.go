// Package dataparser turns a COLMAP sparse reconstruction into training
// inputs: posed camera batches, the train/eval split, the scene extent used
// by density control, and the initial point cloud.
package dataparser

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/chewxy/math32"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/camera"
	"github.com/VisionTrekker/gaussian-splatting-lightning/internal/colmap"
	"github.com/VisionTrekker/gaussian-splatting-lightning/pkg/ply"
	"github.com/VisionTrekker/gaussian-splatting-lightning/pkg/vecmath"
)

// Parser errors.
var (
	ErrNoSparseModel = errors.New("dataparser: no sparse reconstruction found")
	ErrNoImages      = errors.New("dataparser: reconstruction contains no images")
)

// Config selects the dataset location and split policy. EvalStep > 1 routes
// every EvalStep-th image (by sorted name) to the eval split; 0 or 1 keeps
// everything in the train split.
type Config struct {
	Path      string `yaml:"path"`
	ImagesDir string `yaml:"images_dir"`
	EvalStep  int    `yaml:"eval_step"`
}

// DefaultConfig matches the common COLMAP dataset layout.
func DefaultConfig() Config {
	return Config{
		ImagesDir: "images",
		EvalStep:  8,
	}
}

// ImageSet is one split: a camera batch plus the image file names aligned
// with it, index for index.
type ImageSet struct {
	Cameras *camera.Cameras
	Names   []string
}

// Len returns the number of views in the split.
func (s *ImageSet) Len() int {
	if s.Cameras == nil {
		return 0
	}
	return s.Cameras.Len()
}

// Outputs is everything the training entry point needs from a dataset.
type Outputs struct {
	Train        ImageSet
	Eval         ImageSet
	PointCloud   *ply.PointCloud
	CameraExtent float32
	ImagesDir    string
}

// WritePointCloud stores the initial point cloud, typically once per output
// directory so viewers can show the raw reconstruction.
func (o *Outputs) WritePointCloud(path string) error {
	return ply.StorePointCloud(path, o.PointCloud)
}

// Parse reads the sparse model under cfg.Path ("sparse/0" preferred,
// "sparse" accepted) and assembles the training inputs. Appearance ids are
// assigned by position in name order, so runs over the same dataset agree on
// the embedding table layout.
func Parse(cfg Config, log *zap.Logger) (*Outputs, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sparse, err := findSparseDir(cfg.Path)
	if err != nil {
		return nil, err
	}

	cams, err := colmap.ParseCamerasFile(filepath.Join(sparse, "cameras.bin"))
	if err != nil {
		return nil, fmt.Errorf("dataparser: cameras.bin: %w", err)
	}
	images, err := colmap.ParseImagesFile(filepath.Join(sparse, "images.bin"))
	if err != nil {
		return nil, fmt.Errorf("dataparser: images.bin: %w", err)
	}
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	points, err := colmap.ParsePoints3DFile(filepath.Join(sparse, "points3D.bin"))
	if err != nil {
		return nil, fmt.Errorf("dataparser: points3D.bin: %w", err)
	}

	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })

	params, err := buildParams(images, cams)
	if err != nil {
		return nil, err
	}

	trainIdx, evalIdx := splitIndices(len(images), cfg.EvalStep)
	train, err := subsetCameras(params, images, trainIdx)
	if err != nil {
		return nil, err
	}
	eval, err := subsetCameras(params, images, evalIdx)
	if err != nil {
		return nil, err
	}

	imagesDir := cfg.ImagesDir
	if imagesDir == "" {
		imagesDir = "images"
	}

	out := &Outputs{
		Train:        train,
		Eval:         eval,
		PointCloud:   pointCloud(points),
		CameraExtent: cameraExtent(params),
		ImagesDir:    filepath.Join(cfg.Path, imagesDir),
	}
	log.Info("dataset parsed",
		zap.String("sparse", sparse),
		zap.Int("train_images", out.Train.Len()),
		zap.Int("eval_images", out.Eval.Len()),
		zap.Int("points", len(points)),
		zap.Float32("camera_extent", out.CameraExtent))
	return out, nil
}

func findSparseDir(root string) (string, error) {
	for _, rel := range []string{filepath.Join("sparse", "0"), "sparse"} {
		dir := filepath.Join(root, rel)
		if info, err := os.Stat(filepath.Join(dir, "cameras.bin")); err == nil && !info.IsDir() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w under %s", ErrNoSparseModel, root)
}

// buildParams converts every image to raw camera parameters in sorted order.
// The appearance id is the sorted position.
func buildParams(images []colmap.Image, cams map[int32]colmap.Camera) (camera.Params, error) {
	n := len(images)
	p := camera.Params{
		R:            make([][9]float32, n),
		T:            make([]vecmath.Vec3, n),
		Fx:           make([]float32, n),
		Fy:           make([]float32, n),
		Cx:           make([]float32, n),
		Cy:           make([]float32, n),
		Width:        make([]int32, n),
		Height:       make([]int32, n),
		AppearanceID: make([]int32, n),
		CameraType:   make([]camera.Model, n),
	}
	for i, img := range images {
		cam, ok := cams[img.CameraID]
		if !ok {
			return camera.Params{}, fmt.Errorf("dataparser: image %q references unknown camera %d", img.Name, img.CameraID)
		}

		r64 := colmap.QVec2RotMat(img.QVec)
		for k := 0; k < 9; k++ {
			p.R[i][k] = float32(r64[k])
		}
		p.T[i] = vecmath.Vec3{
			X: float32(img.TVec[0]),
			Y: float32(img.TVec[1]),
			Z: float32(img.TVec[2]),
		}

		switch cam.ModelID {
		case colmap.ModelSimplePinhole:
			p.Fx[i] = float32(cam.Params[0])
			p.Fy[i] = float32(cam.Params[0])
			p.Cx[i] = float32(cam.Params[1])
			p.Cy[i] = float32(cam.Params[2])
			p.CameraType[i] = camera.ModelSimplePinhole
		case colmap.ModelPinhole:
			p.Fx[i] = float32(cam.Params[0])
			p.Fy[i] = float32(cam.Params[1])
			p.Cx[i] = float32(cam.Params[2])
			p.Cy[i] = float32(cam.Params[3])
			p.CameraType[i] = camera.ModelPinhole
		default:
			return camera.Params{}, fmt.Errorf("%w: image %q uses %s",
				camera.ErrUnsupportedCameraModel, img.Name, colmap.ModelName(cam.ModelID))
		}

		p.Width[i] = int32(cam.Width)
		p.Height[i] = int32(cam.Height)
		p.AppearanceID[i] = int32(i)
	}
	return p, nil
}

func splitIndices(n, evalStep int) (train, eval []int) {
	for i := 0; i < n; i++ {
		if evalStep > 1 && i%evalStep == 0 {
			eval = append(eval, i)
		} else {
			train = append(train, i)
		}
	}
	return train, eval
}

// subsetCameras builds a batch over the chosen indices. The appearance ids
// keep their global values, so the embedding table covers both splits.
func subsetCameras(p camera.Params, images []colmap.Image, idx []int) (ImageSet, error) {
	sub := camera.Params{
		R:            make([][9]float32, len(idx)),
		T:            make([]vecmath.Vec3, len(idx)),
		Fx:           make([]float32, len(idx)),
		Fy:           make([]float32, len(idx)),
		Cx:           make([]float32, len(idx)),
		Cy:           make([]float32, len(idx)),
		Width:        make([]int32, len(idx)),
		Height:       make([]int32, len(idx)),
		AppearanceID: make([]int32, len(idx)),
		CameraType:   make([]camera.Model, len(idx)),
	}
	names := make([]string, len(idx))
	for k, i := range idx {
		sub.R[k] = p.R[i]
		sub.T[k] = p.T[i]
		sub.Fx[k] = p.Fx[i]
		sub.Fy[k] = p.Fy[i]
		sub.Cx[k] = p.Cx[i]
		sub.Cy[k] = p.Cy[i]
		sub.Width[k] = p.Width[i]
		sub.Height[k] = p.Height[i]
		sub.AppearanceID[k] = p.AppearanceID[i]
		sub.CameraType[k] = p.CameraType[i]
		names[k] = images[i].Name
	}
	if len(idx) == 0 {
		return ImageSet{Names: names}, nil
	}
	cams, err := camera.NewCameras(sub)
	if err != nil {
		return ImageSet{}, err
	}
	return ImageSet{Cameras: cams, Names: names}, nil
}

// cameraExtent is the NeRF++ norm: the scene radius is the largest distance
// from the mean camera center, inflated by 10%.
func cameraExtent(p camera.Params) float32 {
	n := len(p.R)
	xs := make([]float64, n)
	ys := make([]float64, n)
	zs := make([]float64, n)
	centers := make([]vecmath.Vec3, n)
	for i := 0; i < n; i++ {
		c := cameraCenter(p.R[i], p.T[i])
		centers[i] = c
		xs[i] = float64(c.X)
		ys[i] = float64(c.Y)
		zs[i] = float64(c.Z)
	}
	cx := float32(stat.Mean(xs, nil))
	cy := float32(stat.Mean(ys, nil))
	cz := float32(stat.Mean(zs, nil))

	var radius float32
	for _, c := range centers {
		dx, dy, dz := c.X-cx, c.Y-cy, c.Z-cz
		d := math32.Sqrt(dx*dx + dy*dy + dz*dz)
		if d > radius {
			radius = d
		}
	}
	return radius * 1.1
}

// cameraCenter recovers the world-space origin of a world-to-camera pose:
// center = -R^T * t.
func cameraCenter(r [9]float32, t vecmath.Vec3) vecmath.Vec3 {
	return vecmath.Vec3{
		X: -(r[0]*t.X + r[3]*t.Y + r[6]*t.Z),
		Y: -(r[1]*t.X + r[4]*t.Y + r[7]*t.Z),
		Z: -(r[2]*t.X + r[5]*t.Y + r[8]*t.Z),
	}
}

func pointCloud(points []colmap.Point3D) *ply.PointCloud {
	pc := &ply.PointCloud{
		Positions: make([]float32, len(points)*3),
		Colors:    make([]float32, len(points)*3),
	}
	for i, pt := range points {
		for c := 0; c < 3; c++ {
			pc.Positions[i*3+c] = float32(pt.XYZ[c])
			pc.Colors[i*3+c] = float32(pt.RGB[c]) / 255
		}
	}
	return pc
}
