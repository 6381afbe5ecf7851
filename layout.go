package occmap

import (
	"encoding/binary"
	"math"

	"github.com/samber/lo"
)

// Known logical layer names. Layers are looked up by name; indices are only
// stable for a particular layout.
const (
	LayerOccupancy  = "occupancy"
	LayerMean       = "mean"
	LayerCovariance = "covariance"
	LayerClearance  = "clearance"
	LayerTraversal  = "traversal"
	LayerNormal     = "normal"
)

// Member names within layers.
const (
	MemberOccupancy = "occupancy"
	MemberSubVoxel  = "sub_voxel"
)

type MemberType int

const (
	MemberFloat32 MemberType = iota
	MemberUInt32
)

// VoxelMember is one typed field of a layer's per-voxel record. All member
// types are 4 bytes wide; Clear holds the bit pattern written when a chunk
// is allocated.
type VoxelMember struct {
	Name  string
	Type  MemberType
	Clear uint32
}

const memberSize = 4

// MapLayer describes one named per-voxel data layer.
type MapLayer struct {
	name    string
	index   int
	members []VoxelMember
}

func (l *MapLayer) Name() string           { return l.name }
func (l *MapLayer) Index() int             { return l.index }
func (l *MapLayer) Members() []VoxelMember { return l.members }

// VoxelByteSize is the per-voxel record size for this layer.
func (l *MapLayer) VoxelByteSize() int { return len(l.members) * memberSize }

// LayerByteSize is the chunk buffer size for this layer.
func (l *MapLayer) LayerByteSize(regionVolume int) int {
	return l.VoxelByteSize() * regionVolume
}

func (l *MapLayer) MemberIndex(name string) int {
	for i := range l.members {
		if l.members[i].Name == name {
			return i
		}
	}
	return -1
}

// allocate returns a freshly cleared chunk buffer for this layer.
func (l *MapLayer) allocate(regionVolume int) []byte {
	buf := make([]byte, l.LayerByteSize(regionVolume))
	for v := 0; v < regionVolume; v++ {
		for i, member := range l.members {
			binary.LittleEndian.PutUint32(buf[(v*len(l.members)+i)*memberSize:], member.Clear)
		}
	}
	return buf
}

// MapLayout is an ordered list of layers. It is fixed once chunks exist;
// use OccupancyMap.SetLayout to migrate a live map.
type MapLayout struct {
	layers []*MapLayer
}

func NewLayout() *MapLayout {
	return &MapLayout{}
}

func (ml *MapLayout) AddLayer(name string, members ...VoxelMember) *MapLayer {
	layer := &MapLayer{name: name, index: len(ml.layers), members: members}
	ml.layers = append(ml.layers, layer)
	return layer
}

func (ml *MapLayout) LayerCount() int     { return len(ml.layers) }
func (ml *MapLayout) Layer(i int) *MapLayer {
	if i < 0 || i >= len(ml.layers) {
		return nil
	}
	return ml.layers[i]
}

// IndexOf returns the index of the named layer, or -1.
func (ml *MapLayout) IndexOf(name string) int {
	for _, l := range ml.layers {
		if l.name == name {
			return l.index
		}
	}
	return -1
}

func (ml *MapLayout) OccupancyLayer() int  { return ml.IndexOf(LayerOccupancy) }
func (ml *MapLayout) MeanLayer() int       { return ml.IndexOf(LayerMean) }
func (ml *MapLayout) CovarianceLayer() int { return ml.IndexOf(LayerCovariance) }
func (ml *MapLayout) ClearanceLayer() int  { return ml.IndexOf(LayerClearance) }
func (ml *MapLayout) NormalLayer() int     { return ml.IndexOf(LayerNormal) }

// HasSubVoxel reports whether the occupancy layer carries packed sub-voxel
// positions.
func (ml *MapLayout) HasSubVoxel() bool {
	occ := ml.Layer(ml.OccupancyLayer())
	return occ != nil && occ.MemberIndex(MemberSubVoxel) >= 0
}

func (ml *MapLayout) LayerNames() []string {
	return lo.Map(ml.layers, func(l *MapLayer, _ int) string { return l.name })
}

func (ml *MapLayout) Clone() *MapLayout {
	out := NewLayout()
	for _, l := range ml.layers {
		out.AddLayer(l.name, append([]VoxelMember(nil), l.members...)...)
	}
	return out
}

// sentinelBits is the bit pattern of the unobserved occupancy sentinel.
var sentinelBits = math.Float32bits(float32(math.Inf(1)))

func defaultLayout(flags MapFlag) *MapLayout {
	ml := NewLayout()
	occMembers := []VoxelMember{{Name: MemberOccupancy, Type: MemberFloat32, Clear: sentinelBits}}
	if flags&MapFlagSubVoxelPosition != 0 {
		occMembers = append(occMembers, VoxelMember{Name: MemberSubVoxel, Type: MemberUInt32})
	}
	ml.AddLayer(LayerOccupancy, occMembers...)
	if flags&MapFlagVoxelMean != 0 {
		ml.AddLayer(LayerMean,
			VoxelMember{Name: "mean_x", Type: MemberFloat32},
			VoxelMember{Name: "mean_y", Type: MemberFloat32},
			VoxelMember{Name: "mean_z", Type: MemberFloat32},
			VoxelMember{Name: "count", Type: MemberUInt32},
		)
	}
	if flags&MapFlagIncidentNormal != 0 {
		ml.AddLayer(LayerNormal, VoxelMember{Name: "normal", Type: MemberUInt32})
	}
	return ml
}

// SetLayout migrates every chunk to a new layout. Layers and members are
// matched by name: cells present in both are copied through, new members get
// their clear value, removed members are dropped. The GPU cache, if any, is
// synced and dropped first and reinitialised afterwards so device pages can
// never alias stale layer sizes.
func (m *OccupancyMap) SetLayout(layout *MapLayout) error {
	if m.gpuCache != nil {
		if err := m.gpuCache.SyncToHost(); err != nil {
			return err
		}
		m.gpuCache.Clear()
	}

	m.mu.Lock()
	oldLayout := m.layout
	volume := m.RegionVoxelVolume()
	for _, chunk := range m.chunks {
		buffers := make([][]byte, layout.LayerCount())
		for _, newLayer := range layout.layers {
			buf := newLayer.allocate(volume)
			oldIdx := oldLayout.IndexOf(newLayer.name)
			if oldIdx >= 0 {
				oldLayer := oldLayout.Layer(oldIdx)
				src := chunk.layers[oldIdx]
				srcStride := oldLayer.VoxelByteSize()
				dstStride := newLayer.VoxelByteSize()
				for mi, member := range newLayer.members {
					omi := oldLayer.MemberIndex(member.Name)
					if omi < 0 {
						continue
					}
					for v := 0; v < volume; v++ {
						copy(buf[v*dstStride+mi*memberSize:v*dstStride+(mi+1)*memberSize],
							src[v*srcStride+omi*memberSize:v*srcStride+(omi+1)*memberSize])
					}
				}
			}
			buffers[newLayer.index] = buf
		}
		chunk.layers = buffers
		chunk.touchedStamps = make([]uint64, layout.LayerCount())
	}
	m.layout = layout
	m.mu.Unlock()

	if m.gpuCache != nil {
		return m.gpuCache.Reinitialise()
	}
	return nil
}
