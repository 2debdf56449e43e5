// Package project manages the on-disk layout of a read-count project:
//
//   <data>/User/<user>/<project>.txt                  sample list
//   <data>/Barcodes/                                  barcode manifests
//   <data>/Input/<user>/<project>/<sample>/           one FASTQ file per sample
//   <data>/Output/<user>/<project>/<manifest>/<sample>/
//       partitions/  artifacts/  full_matrix/  read_counts.tsv
//
// The sample list has one "sample,manifest" row per sample; lines starting with
// '#' are comments. It is created with a header comment if absent.
package project

import (
	"bufio"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/readcount/aggregate"
	"github.com/grailbio/readcount/fault"
	"github.com/grailbio/readcount/sched"
)

const sampleListHeader = "# Sample,Barcode\n"

// ReadSuffixes are the accepted read file suffixes.
var ReadSuffixes = []string{".fastq", ".fq", ".fastq.gz", ".fq.gz"}

// Project is one user's project under a data directory.
type Project struct {
	DataDir string
	User    string
	Name    string
}

// Sample is one row of the sample list, resolved against the layout.
type Sample struct {
	Name string
	// ReadPath is the sample's FASTQ file; empty until resolved by Samples.
	ReadPath string
	// ManifestPath is the barcode manifest.
	ManifestPath string
}

// Paths are the per-sample output locations.
type Paths struct {
	// Dir is the sample's output directory.
	Dir        string
	Partitions string
	Artifacts  string
	FullMatrix string
	// Table is the count table path.
	Table string
}

// UserDir returns the directory holding the user's sample lists.
func (p Project) UserDir() string { return filepath.Join(p.DataDir, "User", p.User) }

// SampleList returns the path of the project's sample list.
func (p Project) SampleList() string { return filepath.Join(p.UserDir(), p.Name+".txt") }

// BarcodeDir returns the shared manifest directory.
func (p Project) BarcodeDir() string { return filepath.Join(p.DataDir, "Barcodes") }

// InputDir returns the directory holding one subdirectory per sample.
func (p Project) InputDir() string { return filepath.Join(p.DataDir, "Input", p.User, p.Name) }

// OutputDir returns the project's output root.
func (p Project) OutputDir() string { return filepath.Join(p.DataDir, "Output", p.User, p.Name) }

// Init creates the project directories and an empty sample list if needed.
func (p Project) Init(ctx context.Context) error {
	if p.User == "" || p.Name == "" {
		return errors.E(errors.Invalid, "project needs a user and a name")
	}
	for _, dir := range []string{p.UserDir(), p.BarcodeDir(), p.InputDir(), p.OutputDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if _, err := file.Stat(ctx, p.SampleList()); err == nil {
		return nil
	}
	log.Printf("creating sample list %s", p.SampleList())
	return ioutil.WriteFile(p.SampleList(), []byte(sampleListHeader), 0644)
}

// Samples reads the sample list and resolves every sample's read file and
// manifest. A manifest path without a directory is looked up in BarcodeDir.
func (p Project) Samples(ctx context.Context) (samples []Sample, err error) {
	path := p.SampleList()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	sc := bufio.NewScanner(in.Reader(ctx))
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		fields := strings.Split(text, ",")
		if len(fields) < 2 || strings.TrimSpace(fields[0]) == "" || strings.TrimSpace(fields[1]) == "" {
			return nil, &fault.InputFormatError{Path: path, Line: line, Msg: "expected sample,manifest"}
		}
		s := Sample{Name: strings.TrimSpace(fields[0]), ManifestPath: strings.TrimSpace(fields[1])}
		if !filepath.IsAbs(s.ManifestPath) && filepath.Dir(s.ManifestPath) == "." {
			s.ManifestPath = filepath.Join(p.BarcodeDir(), s.ManifestPath)
		}
		samples = append(samples, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for i := range samples {
		// An unresolved read file is reported when the sample runs.
		samples[i].ReadPath, _ = p.ReadFile(samples[i].Name)
	}
	return samples, nil
}

// ReadFile finds the single FASTQ file of sample.
func (p Project) ReadFile(sample string) (string, error) {
	dir := filepath.Join(p.InputDir(), sample)
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var found []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		for _, suffix := range ReadSuffixes {
			if strings.HasSuffix(e.Name(), suffix) {
				found = append(found, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	switch len(found) {
	case 0:
		return "", errors.E(errors.NotExist, fmt.Sprintf("no read file in %s", dir))
	case 1:
		return found[0], nil
	}
	sort.Strings(found)
	return "", errors.E(errors.Invalid, fmt.Sprintf("%d read files in %s: %s", len(found), dir, strings.Join(found, ", ")))
}

// CheckInputs warns when the sample directories under InputDir and the
// sample list disagree, and returns the names missing on either side.
func (p Project) CheckInputs(samples []Sample) (notListed, notPresent []string) {
	entries, err := ioutil.ReadDir(p.InputDir())
	if err != nil {
		log.Error.Printf("list %s: %v", p.InputDir(), err)
	}
	present := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() {
			present[e.Name()] = true
		}
	}
	listed := map[string]bool{}
	for _, s := range samples {
		listed[s.Name] = true
		if !present[s.Name] {
			notPresent = append(notPresent, s.Name)
		}
	}
	for name := range present {
		if !listed[name] {
			notListed = append(notListed, name)
		}
	}
	sort.Strings(notListed)
	if len(notListed) > 0 || len(notPresent) > 0 {
		log.Printf("input folder has %d samples, sample list has %d; not listed: %v, missing input: %v",
			len(present), len(samples), notListed, notPresent)
	} else {
		log.Printf("input folder and sample list agree (%d samples)", len(samples))
	}
	return notListed, notPresent
}

// SamplePaths returns the output locations of sample without touching disk.
func (p Project) SamplePaths(s Sample) Paths {
	manifest := filepath.Base(s.ManifestPath)
	dir := filepath.Join(p.OutputDir(), manifest, s.Name)
	return Paths{
		Dir:        dir,
		Partitions: filepath.Join(dir, "partitions"),
		Artifacts:  filepath.Join(dir, "artifacts"),
		FullMatrix: filepath.Join(dir, "full_matrix"),
		Table:      filepath.Join(dir, aggregate.TableName),
	}
}

// Prepare readies the output directories of s for a run and returns them. It
// is idempotent: artifacts, the full matrix and the count table of an earlier
// run are removed; staged partitions are kept for the partitioner to validate
// and reuse.
func (p Project) Prepare(s Sample) (Paths, error) {
	paths := p.SamplePaths(s)
	for _, dir := range []string{paths.Artifacts, paths.FullMatrix} {
		if err := os.RemoveAll(dir); err != nil {
			return paths, err
		}
	}
	if err := os.Remove(paths.Table); err != nil && !os.IsNotExist(err) {
		return paths, err
	}
	for _, dir := range []string{paths.Partitions, paths.Artifacts, paths.FullMatrix} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return paths, err
		}
	}
	return paths, nil
}

// Reclaim releases memory between samples and logs the heap size.
func Reclaim() {
	sched.Reclaim()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Debug.Printf("reclaimed memory: heap in use %d bytes, sys %d bytes", m.HeapInuse, m.Sys)
}
