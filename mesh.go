package sfm

import (
	"os"
	"path/filepath"

	mst "github.com/flywave/go-mst"
	gobj "github.com/flywave/go-obj"
	"github.com/flywave/go3d/vec2"
	"github.com/flywave/go3d/vec3"
	"github.com/pkg/errors"
)

// LoadObjMesh reads the Wavefront OBJ artifact a Meshroom project resolves to
// (texturedMesh.obj or mesh.obj) into an mst mesh. Faces are fan triangulated
// and grouped by material; a diffuse texture referenced from the MTL file is
// decoded alongside when present.
func LoadObjMesh(path string) (*mst.Mesh, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open obj file %q", path)
	}
	defer file.Close()

	reader := &gobj.ObjReader{}
	if err := reader.Read(file); err != nil {
		return nil, errors.Wrapf(err, "read obj file %q", path)
	}

	mesh := mst.NewMesh()
	node := &mst.MeshNode{}

	groups := make(map[string]*mst.MeshTriangle)
	groupIndex := make(map[string]int)
	for _, face := range reader.F {
		name := face.Material
		if name == "" {
			name = "default"
		}
		group, ok := groups[name]
		if !ok {
			group = &mst.MeshTriangle{Batchid: int32(len(groupIndex))}
			groups[name] = group
			groupIndex[name] = len(groupIndex)
		}
		if len(face.Corners) < 3 {
			continue
		}
		for _, triangle := range triangulateFace(face) {
			appendTriangle(group, triangle, reader, node)
		}
	}

	for _, group := range groups {
		if len(group.Faces) > 0 {
			node.FaceGroup = append(node.FaceGroup, group)
		}
	}
	mesh.Nodes = append(mesh.Nodes, node)
	mesh.Materials = objMaterials(path, reader, groupIndex)
	return mesh, nil
}

func objMaterials(path string, reader *gobj.ObjReader, groupIndex map[string]int) []mst.MeshMaterial {
	if len(groupIndex) == 0 {
		return []mst.MeshMaterial{&mst.BaseMaterial{Color: [3]byte{255, 255, 255}}}
	}

	var objMaterials map[string]*gobj.Material
	if reader.MTL != "" {
		mtlPath := reader.MTL
		if !filepath.IsAbs(mtlPath) {
			mtlPath = filepath.Join(filepath.Dir(path), reader.MTL)
		}
		if loaded, err := gobj.ReadMaterials(mtlPath); err == nil {
			objMaterials = loaded
		}
	}

	materials := make([]mst.MeshMaterial, len(groupIndex))
	for name, index := range groupIndex {
		var objMat *gobj.Material
		if objMaterials != nil {
			objMat = objMaterials[name]
		}
		if objMat == nil {
			materials[index] = &mst.BaseMaterial{
				Color:        [3]byte{200, 200, 200},
				Transparency: 1.0,
			}
			continue
		}

		base := mst.BaseMaterial{
			Color:        byteColor(objMat.Diffuse),
			Transparency: float32(objMat.Opacity),
		}
		if objMat.DiffuseTexture == "" {
			materials[index] = &base
			continue
		}
		textureMat := &mst.TextureMaterial{BaseMaterial: base}
		texturePath := objMat.DiffuseTexture
		if !filepath.IsAbs(texturePath) {
			texturePath = filepath.Join(filepath.Dir(path), texturePath)
		}
		if texture, err := loadTextureFile(texturePath, index); err == nil {
			textureMat.Texture = texture
		}
		materials[index] = textureMat
	}
	return materials
}

func byteColor(c []float32) [3]byte {
	if len(c) < 3 {
		return [3]byte{255, 255, 255}
	}
	return [3]byte{byte(c[0] * 255), byte(c[1] * 255), byte(c[2] * 255)}
}

// Fan triangulation, valid for the convex faces Meshroom produces.
func triangulateFace(face gobj.Face) [][]gobj.FaceCorner {
	if len(face.Corners) == 3 {
		return [][]gobj.FaceCorner{face.Corners}
	}
	var triangles [][]gobj.FaceCorner
	for i := 1; i < len(face.Corners)-1; i++ {
		triangles = append(triangles, []gobj.FaceCorner{
			face.Corners[0], face.Corners[i], face.Corners[i+1],
		})
	}
	return triangles
}

func appendTriangle(group *mst.MeshTriangle, triangle []gobj.FaceCorner, reader *gobj.ObjReader, node *mst.MeshNode) {
	if len(triangle) != 3 {
		return
	}

	var positions [3]vec3.T
	var texCoords [3]vec2.T
	var normals [3]vec3.T
	for i, corner := range triangle {
		if corner.VertexIndex >= 0 && corner.VertexIndex < len(reader.V) {
			positions[i] = reader.V[corner.VertexIndex]
		}
		if corner.TexCoordIndex >= 0 && corner.TexCoordIndex < len(reader.VT) {
			texCoords[i] = reader.VT[corner.TexCoordIndex]
		}
		if corner.NormalIndex >= 0 && corner.NormalIndex < len(reader.VN) {
			normals[i] = reader.VN[corner.NormalIndex]
		} else {
			normals[i] = flatNormal(positions[0], positions[1], positions[2])
		}
	}

	base := uint32(len(node.Vertices))
	for i := 0; i < 3; i++ {
		node.Vertices = append(node.Vertices, positions[i])
		node.TexCoords = append(node.TexCoords, texCoords[i])
		node.Normals = append(node.Normals, normals[i])
	}
	group.Faces = append(group.Faces, &mst.Face{
		Vertex: [3]uint32{base, base + 1, base + 2},
	})
}

func flatNormal(v0, v1, v2 vec3.T) vec3.T {
	e1 := vec3.Sub(&v1, &v0)
	e2 := vec3.Sub(&v2, &v0)
	normal := vec3.Cross(&e1, &e2)
	length := normal.Length()
	if length > 0 {
		return vec3.T{normal[0] / length, normal[1] / length, normal[2] / length}
	}
	return vec3.T{0, 1, 0}
}
