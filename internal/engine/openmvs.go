package engine

import (
	"context"
	"os"
	"path/filepath"

	"mapfree/internal/config"
)

// OpenMVS densifies and meshes a COLMAP reconstruction. COLMAP is still
// used to undistort the images into the layout InterfaceCOLMAP reads.
type OpenMVS struct {
	Colmap   *Colmap
	Tools    *Tools
	Adapter  *Adapter
	Timeouts config.Timeouts
}

var _ Densifier = (*OpenMVS)(nil)
var _ Mesher = (*OpenMVS)(nil)

// NewOpenMVS returns an OpenMVS engine sharing colmap's adapter.
func NewOpenMVS(colmap *Colmap, tools *Tools, timeouts config.Timeouts) *OpenMVS {
	return &OpenMVS{Colmap: colmap, Tools: tools, Adapter: colmap.Adapter, Timeouts: timeouts}
}

func (m *OpenMVS) command(name string, args ...string) Command {
	return Command{Name: name, Path: m.Tools.Resolve(name), Args: args}
}

// OpenMVSDir is the OpenMVS working directory of a project.
func OpenMVSDir(projectDir string) string { return filepath.Join(projectDir, "openmvs") }

// ReconstructDense produces openmvs/scene_dense.ply.
func (m *OpenMVS) ReconstructDense(ctx context.Context, in DenseInput, opts Options) (DenseOutput, error) {
	dir := OpenMVSDir(in.ProjectDir)
	undistorted := filepath.Join(dir, "undistorted")
	scene := filepath.Join(dir, "scene.mvs")
	dense := filepath.Join(dir, "scene_dense.mvs")
	cloud := filepath.Join(dir, "scene_dense.ply")

	res, err := m.Adapter.Invoke(ctx, Invocation{
		Stage:   StageDense,
		Options: opts,
		Outputs: []string{scene, cloud},
		Timeout: m.Timeouts.Timeout(StageDense),
		Build: func(o Options) ([]Command, error) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
			densify := []string{scene, "-o", dense, "--resolution-level", "2"}
			if o.DenseMaxImageSize > 0 {
				densify = append(densify, "--max-resolution", itoa(o.DenseMaxImageSize))
			}
			if !o.UseGPU {
				densify = append(densify, "--cuda-device", "-1")
			}
			if o.NumThreads > 0 {
				densify = append(densify, "--max-threads", itoa(o.NumThreads))
			}
			return []Command{
				m.Colmap.undistort(in, undistorted, "COLMAP", o.DenseMaxImageSize),
				m.command("InterfaceCOLMAP",
					"-i", undistorted,
					"-o", scene,
					"--image-folder", filepath.Join(undistorted, "images"),
				),
				m.command("DensifyPointCloud", densify...),
			}, nil
		},
	})
	return DenseOutput{PointCloud: cloud, Workspace: undistorted, Result: res}, err
}

// Mesh reconstructs, refines and textures a mesh from the dense scene.
func (m *OpenMVS) Mesh(ctx context.Context, projectDir string, opts Options) (MeshOutput, error) {
	dir := OpenMVSDir(projectDir)
	dense := filepath.Join(dir, "scene_dense.mvs")
	mesh := filepath.Join(dir, "scene_mesh.ply")
	refined := filepath.Join(dir, "scene_mesh_refine.mvs")
	refinedPLY := filepath.Join(dir, "scene_mesh_refine.ply")
	textured := filepath.Join(dir, "scene_textured.mvs")

	res, err := m.Adapter.Invoke(ctx, Invocation{
		Stage:   StageDense,
		LogName: "mesh",
		Options: opts,
		Outputs: []string{mesh, refined},
		Timeout: m.Timeouts.Timeout(StageDense),
		Build: func(o Options) ([]Command, error) {
			texture := []string{dense, "-m", refinedPLY, "-o", textured, "--export-type", "obj"}
			if !o.UseGPU {
				texture = append(texture, "--cuda-device", "-1")
			}
			return []Command{
				m.command("ReconstructMesh", dense, "-p", mesh),
				m.command("RefineMesh", dense, "-m", mesh, "-o", refined),
				m.command("TextureMesh", texture...),
			}, nil
		},
	})
	out := MeshOutput{Mesh: mesh, Result: res}
	if err != nil {
		return out, err
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "scene_textured*"))
	out.Textured = matches
	return out, nil
}
