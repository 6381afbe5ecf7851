// occpop populates an occupancy map from a ray log, optionally on a compute
// device, then saves, exports or serves the result.
//
// usage: occpop [flags] <raylog>
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	occmap "github.com/voxgrid/occmap"
	"github.com/voxgrid/occmap/gpumap"
	"github.com/voxgrid/occmap/raylog"
)

type options struct {
	resolution float64
	dim        int
	hit        float64
	miss       float64
	threshold  float64
	clamp      string
	voxelMean  bool
	subVoxel   bool
	compressed bool
	mode       string
	ndt        string
	batchSize  int
	sensor     string
	preload    int
	maxRange   float64
	gpu        bool
	gpuMem     int
	save       string
	ply        string
	serve      string
}

func parseOptions() (*options, []string) {
	opt := &options{}
	flag.Float64Var(&opt.resolution, "resolution", 0.1, "voxel edge length (m)")
	flag.IntVar(&opt.dim, "dim", 32, "voxels per region per axis")
	flag.Float64Var(&opt.hit, "hit", 0.7, "occupancy probability due to a hit; must be >= 0.5")
	flag.Float64Var(&opt.miss, "miss", 0.4, "occupancy probability due to a miss; must be < 0.5")
	flag.Float64Var(&opt.threshold, "threshold", 0.5, "occupied classification probability")
	flag.StringVar(&opt.clamp, "clamp", "", "probability clamp as min,max values (log-odds)")
	flag.BoolVar(&opt.voxelMean, "voxel-mean", false, "enable voxel mean position layer")
	flag.BoolVar(&opt.subVoxel, "sub-voxel", false, "enable packed sub-voxel positions")
	flag.BoolVar(&opt.compressed, "compressed", false, "lz4 compress chunk layers when saving")
	flag.StringVar(&opt.mode, "mode", "normal", "mapping mode: normal, samples or erode")
	flag.StringVar(&opt.ndt, "ndt", "off", "NDT mode; only 'off' is supported by this build")
	flag.IntVar(&opt.batchSize, "batch-size", 4096, "rays per integration batch")
	flag.StringVar(&opt.sensor, "sensor", "", "fixed sensor origin x,y,z overriding ray origins")
	flag.IntVar(&opt.preload, "preload", 0, "preload this many rays before integrating (0 = stream)")
	flag.Float64Var(&opt.maxRange, "max-range", 0, "drop rays longer than this (0 = default)")
	flag.BoolVar(&opt.gpu, "gpu", false, "integrate on the compute device")
	flag.IntVar(&opt.gpuMem, "gpu-mem", 0, "target device memory per layer in bytes (0 = default)")
	flag.StringVar(&opt.save, "save", "", "save the map to this file when done")
	flag.StringVar(&opt.ply, "ply", "", "export occupied voxels as ASCII PLY to this file")
	flag.StringVar(&opt.serve, "serve", "", "serve debug endpoints on this address when done")
	flag.Parse()
	return opt, flag.Args()
}

func parseVec(s string) (r3.Vec, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return r3.Vec{}, fmt.Errorf("expected x,y,z, got %q", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return r3.Vec{}, err
		}
		v[i] = f
	}
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}, nil
}

func buildMap(opt *options) *occmap.OccupancyMap {
	flags := occmap.MapFlagNone
	if opt.voxelMean {
		flags |= occmap.MapFlagVoxelMean
	}
	if opt.subVoxel {
		flags |= occmap.MapFlagSubVoxelPosition
	}
	if opt.compressed {
		flags |= occmap.MapFlagCompressed
	}
	dim := uint8(opt.dim)
	m := occmap.NewMap(opt.resolution, [3]uint8{dim, dim, dim}, flags)
	m.SetHitProbability(float32(opt.hit))
	m.SetMissProbability(float32(opt.miss))
	m.SetOccupancyThresholdProbability(float32(opt.threshold))
	if opt.clamp != "" {
		parts := strings.Split(opt.clamp, ",")
		if len(parts) != 2 {
			log.Fatalf("bad -clamp %q: expected min,max", opt.clamp)
		}
		lo, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		hi, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err1 != nil || err2 != nil || lo >= hi {
			log.Fatalf("bad -clamp %q", opt.clamp)
		}
		m.SetMinVoxelValue(float32(lo))
		m.SetMaxVoxelValue(float32(hi))
	}
	return m
}

func modeFlags(mode string) occmap.RayFlag {
	switch mode {
	case "normal":
		return occmap.RayFlagNone
	case "samples":
		return occmap.RayFlagExcludeRay
	case "erode":
		return occmap.RayFlagExcludeSample
	}
	log.Fatalf("unknown -mode %q (want normal, samples or erode)", mode)
	return occmap.RayFlagNone
}

func main() {
	opt, args := parseOptions()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: occpop [flags] <raylog>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if opt.ndt != "off" {
		log.Fatalf("-ndt %q: NDT mapping is not supported by this build", opt.ndt)
	}

	var sensor *r3.Vec
	if opt.sensor != "" {
		v, err := parseVec(opt.sensor)
		if err != nil {
			log.Fatalf("bad -sensor: %v", err)
		}
		sensor = &v
	}

	m := buildMap(opt)
	rayFlags := modeFlags(opt.mode)
	if opt.maxRange > 0 {
		m.SetRayFilter(occmap.GoodRayFilter(opt.maxRange))
	}

	var gm *gpumap.GpuMap
	if opt.gpu {
		var err error
		gm, err = gpumap.NewGpuMap(m, 2*opt.batchSize, opt.gpuMem, true)
		if err != nil {
			log.Fatalf("enabling gpu: %v", err)
		}
		if opt.maxRange > 0 {
			gm.SetMaxRangeFilter(opt.maxRange)
		}
		if rayFlags&(occmap.RayFlagExcludeRay|occmap.RayFlagClearOnly|occmap.RayFlagStopOnFirstOccupied) != 0 {
			log.Fatalf("-mode %s is not available on the gpu path", opt.mode)
		}
	}

	reader, err := raylog.Open(args[0])
	if err != nil {
		log.Fatal(err)
	}
	defer reader.Close()

	start := time.Now()
	totalRays := 0
	endAsOccupied := rayFlags&occmap.RayFlagExcludeSample == 0

	integrate := func(rays []raylog.Ray) {
		points := make([]r3.Vec, 0, 2*len(rays))
		for _, ray := range rays {
			origin := ray.Origin
			if sensor != nil {
				origin = *sensor
			}
			points = append(points, origin, ray.Sample)
		}
		if gm != nil {
			if _, err := gm.IntegrateRays(points, endAsOccupied); err != nil {
				log.Fatalf("gpu integration: %v", err)
			}
		} else {
			m.IntegrateRays(points, rayFlags)
		}
		totalRays += len(rays)
	}

	if opt.preload > 0 {
		rays, err := raylog.ReadAll(reader)
		if err != nil {
			log.Fatal(err)
		}
		if len(rays) > opt.preload {
			rays = rays[:opt.preload]
		}
		log.Printf("preloaded %d rays", len(rays))
		for i := 0; i < len(rays); i += opt.batchSize {
			hi := i + opt.batchSize
			if hi > len(rays) {
				hi = len(rays)
			}
			integrate(rays[i:hi])
		}
	} else {
		for {
			batch, err := reader.ReadBatch(opt.batchSize)
			integrate(batch)
			if err == io.EOF {
				break
			}
			if err != nil {
				log.Fatal(err)
			}
			if totalRays%(opt.batchSize*64) == 0 {
				log.Printf("%d rays integrated", totalRays)
			}
		}
	}

	if gm != nil {
		if err := gm.SyncOccupancy(); err != nil {
			log.Fatalf("sync: %v", err)
		}
	}
	elapsed := time.Since(start)
	log.Printf("integrated %d rays into %d regions in %.2fs (%.0f rays/s)",
		totalRays, m.RegionCount(), elapsed.Seconds(), float64(totalRays)/elapsed.Seconds())
	if bad := m.BadRayCount(); bad > 0 {
		log.Printf("%d rays rejected by filters", bad)
	}
	if gm != nil {
		if bad := gm.BadRayCount(); bad > 0 {
			log.Printf("%d rays rejected by gpu range filter", bad)
		}
	}

	if opt.save != "" {
		if err := m.SaveFile(opt.save); err != nil {
			log.Fatalf("saving map: %v", err)
		}
		log.Printf("saved map to %s", opt.save)
	}
	if opt.ply != "" {
		if err := exportPly(m, opt.ply); err != nil {
			log.Fatalf("exporting ply: %v", err)
		}
		log.Printf("exported occupied cloud to %s", opt.ply)
	}
	if opt.serve != "" {
		serve(m, opt.serve)
	}
}

// exportPly writes the occupied voxels as an ASCII PLY point cloud, using
// refined voxel positions when the map carries them.
func exportPly(m *occmap.OccupancyMap, filename string) error {
	var points []r3.Vec
	m.Walk(func(key occmap.Key, value float32) bool {
		if m.IsOccupied(value) {
			if p, ok := m.VoxelPosition(key); ok {
				points = append(points, p)
			}
		}
		return true
	})

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "ply\nformat ascii 1.0\nelement vertex %d\n", len(points))
	fmt.Fprintf(w, "property float x\nproperty float y\nproperty float z\nend_header\n")
	for _, p := range points {
		fmt.Fprintf(w, "%g %g %g\n", p.X, p.Y, p.Z)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
