package occmap

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"

	lz4 "github.com/DataDog/golz4-2"
	"github.com/pkg/errors"

	"gonum.org/v1/gonum/spatial/r3"
)

// Chunk store serialisation: a small JSON header describing the map and its
// layout, followed by one record per chunk of (region coord, touched time,
// per-layer bytes). Layer bytes are lz4 block compressed when the map has
// MapFlagCompressed. Stable across runs for a fixed layout.

var serialMagic = [4]byte{'O', 'C', 'M', '1'}

// ErrSerialisation wraps failures while reading or writing a map stream.
var ErrSerialisation = errors.New("map serialisation failed")

type serialMember struct {
	Name  string `json:"name"`
	Type  int    `json:"type"`
	Clear uint32 `json:"clear"`
}

type serialLayer struct {
	Name    string         `json:"name"`
	Members []serialMember `json:"members"`
}

type serialHeader struct {
	Resolution     float64       `json:"resolution"`
	RegionDims     [3]uint8      `json:"region_dims"`
	Origin         [3]float64    `json:"origin"`
	Flags          uint32        `json:"flags"`
	HitProb        float32       `json:"hit_probability"`
	MissProb       float32       `json:"miss_probability"`
	ThresholdProb  float32       `json:"threshold_probability"`
	MinValue       float32       `json:"min_value"`
	MaxValue       float32       `json:"max_value"`
	SaturateMin    bool          `json:"saturate_min"`
	SaturateMax    bool          `json:"saturate_max"`
	SubVoxelWeight float64       `json:"sub_voxel_weighting"`
	Layers         []serialLayer `json:"layers"`
	ChunkCount     int           `json:"chunk_count"`
}

func (m *OccupancyMap) header() serialHeader {
	hdr := serialHeader{
		Resolution:     m.resolution,
		RegionDims:     m.regionDims,
		Origin:         [3]float64{m.origin.X, m.origin.Y, m.origin.Z},
		Flags:          uint32(m.flags),
		HitProb:        m.hitProb,
		MissProb:       m.missProb,
		ThresholdProb:  m.threshProb,
		MinValue:       m.minValue,
		MaxValue:       m.maxValue,
		SaturateMin:    m.saturateMin,
		SaturateMax:    m.saturateMax,
		SubVoxelWeight: m.subVoxelWeight,
	}
	for _, layer := range m.layout.layers {
		sl := serialLayer{Name: layer.name}
		for _, member := range layer.members {
			sl.Members = append(sl.Members, serialMember{Name: member.Name, Type: int(member.Type), Clear: member.Clear})
		}
		hdr.Layers = append(hdr.Layers, sl)
	}
	return hdr
}

// Save writes the map to w. Attached GPU caches are not synced first; call
// gpumap sync before saving if device pages may be ahead of host memory.
func (m *OccupancyMap) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(serialMagic[:]); err != nil {
		return errors.Wrap(err, ErrSerialisation.Error())
	}

	m.mu.Lock()
	chunks := make([]*MapChunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		chunks = append(chunks, c)
	}
	m.mu.Unlock()

	hdr := m.header()
	hdr.ChunkCount = len(chunks)
	hdrBytes, err := json.Marshal(&hdr)
	if err != nil {
		return errors.Wrap(err, ErrSerialisation.Error())
	}
	if err := writeU32(bw, uint32(len(hdrBytes))); err != nil {
		return err
	}
	if _, err := bw.Write(hdrBytes); err != nil {
		return errors.Wrap(err, ErrSerialisation.Error())
	}

	compressed := m.flags&MapFlagCompressed != 0
	for _, chunk := range chunks {
		var coord [6]byte
		binary.LittleEndian.PutUint16(coord[0:], uint16(chunk.region.X))
		binary.LittleEndian.PutUint16(coord[2:], uint16(chunk.region.Y))
		binary.LittleEndian.PutUint16(coord[4:], uint16(chunk.region.Z))
		if _, err := bw.Write(coord[:]); err != nil {
			return errors.Wrap(err, ErrSerialisation.Error())
		}
		var t [8]byte
		binary.LittleEndian.PutUint64(t[:], math.Float64bits(chunk.touchedTime))
		if _, err := bw.Write(t[:]); err != nil {
			return errors.Wrap(err, ErrSerialisation.Error())
		}
		for _, buf := range chunk.layers {
			out := buf
			if compressed {
				comp := make([]byte, lz4.CompressBoundHdr(buf))
				n, err := lz4.CompressHCHdr(comp, buf)
				if err != nil {
					return errors.Wrap(err, ErrSerialisation.Error())
				}
				out = comp[:n]
			}
			if err := writeU32(bw, uint32(len(out))); err != nil {
				return err
			}
			if _, err := bw.Write(out); err != nil {
				return errors.Wrap(err, ErrSerialisation.Error())
			}
		}
	}
	return errors.Wrap(bw.Flush(), ErrSerialisation.Error())
}

// Load reads a map previously written by Save.
func Load(r io.Reader) (*OccupancyMap, error) {
	br := bufio.NewReader(r)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, errors.Wrap(err, ErrSerialisation.Error())
	}
	if magic != serialMagic {
		return nil, errors.Wrap(ErrSerialisation, "bad magic")
	}

	hdrLen, err := readU32(br)
	if err != nil {
		return nil, err
	}
	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(br, hdrBytes); err != nil {
		return nil, errors.Wrap(err, ErrSerialisation.Error())
	}
	var hdr serialHeader
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, errors.Wrap(err, ErrSerialisation.Error())
	}

	m := NewMap(hdr.Resolution, hdr.RegionDims, MapFlag(hdr.Flags))
	m.origin = r3.Vec{X: hdr.Origin[0], Y: hdr.Origin[1], Z: hdr.Origin[2]}
	m.SetHitProbability(hdr.HitProb)
	m.SetMissProbability(hdr.MissProb)
	m.SetOccupancyThresholdProbability(hdr.ThresholdProb)
	m.minValue, m.maxValue = hdr.MinValue, hdr.MaxValue
	m.saturateMin, m.saturateMax = hdr.SaturateMin, hdr.SaturateMax
	m.subVoxelWeight = hdr.SubVoxelWeight

	layout := NewLayout()
	for _, sl := range hdr.Layers {
		members := make([]VoxelMember, len(sl.Members))
		for i, sm := range sl.Members {
			members[i] = VoxelMember{Name: sm.Name, Type: MemberType(sm.Type), Clear: sm.Clear}
		}
		layout.AddLayer(sl.Name, members...)
	}
	m.layout = layout

	occLayer := layout.OccupancyLayer()
	if occLayer < 0 {
		return nil, errors.Wrap(ErrSerialisation, "layout has no occupancy layer")
	}
	stride := layout.Layer(occLayer).VoxelByteSize()
	volume := m.RegionVoxelVolume()
	compressed := m.flags&MapFlagCompressed != 0

	for ci := 0; ci < hdr.ChunkCount; ci++ {
		var coord [6]byte
		if _, err := io.ReadFull(br, coord[:]); err != nil {
			return nil, errors.Wrap(err, ErrSerialisation.Error())
		}
		region := RegionKey{
			X: int16(binary.LittleEndian.Uint16(coord[0:])),
			Y: int16(binary.LittleEndian.Uint16(coord[2:])),
			Z: int16(binary.LittleEndian.Uint16(coord[4:])),
		}
		var t [8]byte
		if _, err := io.ReadFull(br, t[:]); err != nil {
			return nil, errors.Wrap(err, ErrSerialisation.Error())
		}
		chunk := newChunk(region, layout, volume)
		chunk.touchedTime = math.Float64frombits(binary.LittleEndian.Uint64(t[:]))
		for li := range layout.layers {
			byteLen, err := readU32(br)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, byteLen)
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, errors.Wrap(err, ErrSerialisation.Error())
			}
			if compressed {
				decomp, err := lz4.UncompressAllocHdr(nil, buf)
				if err != nil {
					return nil, errors.Wrap(err, ErrSerialisation.Error())
				}
				buf = decomp
			}
			if len(buf) != len(chunk.layers[li]) {
				return nil, errors.Wrapf(ErrLayoutMismatch, "layer %d holds %d bytes, layout needs %d", li, len(buf), len(chunk.layers[li]))
			}
			chunk.layers[li] = buf
		}
		chunk.searchFirstValid(occLayer, stride, volume)
		m.chunks[region] = chunk
	}
	return m, nil
}

// SaveFile writes the map to path.
func (m *OccupancyMap) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, ErrSerialisation.Error())
	}
	if err := m.Save(f); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), ErrSerialisation.Error())
}

// LoadFile reads a map from path.
func LoadFile(path string) (*OccupancyMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, ErrSerialisation.Error())
	}
	defer f.Close()
	return Load(f)
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return errors.Wrap(err, ErrSerialisation.Error())
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(err, ErrSerialisation.Error())
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
