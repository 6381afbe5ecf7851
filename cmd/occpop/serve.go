package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"gonum.org/v1/gonum/spatial/r3"

	occmap "github.com/voxgrid/occmap"
)

// Debug endpoints over a populated map: overall stats, the region list, and
// point queries against voxels.

type server struct {
	m *occmap.OccupancyMap
}

func (s *server) statsHandler(w http.ResponseWriter, r *http.Request) {
	occupied := 0
	s.m.Walk(func(key occmap.Key, value float32) bool {
		if s.m.IsOccupied(value) {
			occupied++
		}
		return true
	})
	writeJSON(w, map[string]interface{}{
		"resolution":     s.m.Resolution(),
		"region_dims":    s.m.RegionVoxelDims(),
		"region_count":   s.m.RegionCount(),
		"occupied_count": occupied,
		"stamp":          s.m.Stamp(),
		"hit_value":      s.m.HitValue(),
		"miss_value":     s.m.MissValue(),
		"threshold":      s.m.OccupancyThresholdValue(),
	})
}

func (s *server) regionsHandler(w http.ResponseWriter, r *http.Request) {
	type regionInfo struct {
		Key        [3]int16 `json:"key"`
		FirstValid int      `json:"first_valid"`
	}
	var regions []regionInfo
	for _, key := range s.m.RegionKeys() {
		chunk := s.m.Region(key, false)
		if chunk == nil {
			continue
		}
		regions = append(regions, regionInfo{
			Key:        [3]int16{key.X, key.Y, key.Z},
			FirstValid: chunk.FirstValidIndex(),
		})
	}
	writeJSON(w, regions)
}

func (s *server) voxelHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var p r3.Vec
	var err error
	if p.X, err = strconv.ParseFloat(q.Get("x"), 64); err == nil {
		if p.Y, err = strconv.ParseFloat(q.Get("y"), 64); err == nil {
			p.Z, err = strconv.ParseFloat(q.Get("z"), 64)
		}
	}
	if err != nil {
		http.Error(w, "x, y and z query parameters required", http.StatusBadRequest)
		return
	}
	key := s.m.VoxelKey(p)
	voxel := s.m.Voxel(key, false, nil)
	result := map[string]interface{}{
		"key":  key.String(),
		"type": s.m.OccupancyTypeOf(voxel).String(),
	}
	if !voxel.IsNull() {
		result["value"] = voxel.Value()
		if pos, ok := s.m.VoxelPosition(key); ok {
			result["position"] = [3]float64{pos.X, pos.Y, pos.Z}
		}
	}
	writeJSON(w, result)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encoding response: %v", err)
	}
}

func serve(m *occmap.OccupancyMap, addr string) {
	r := mux.NewRouter()
	s := &server{m: m}
	r.HandleFunc("/stats", s.statsHandler)
	r.HandleFunc("/regions", s.regionsHandler)
	r.HandleFunc("/voxel", s.voxelHandler)

	srv := &http.Server{
		Handler:      r,
		Addr:         addr,
		WriteTimeout: 120 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	log.Println("listening on", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}
