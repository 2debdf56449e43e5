package pipeline

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/readcount/aggregate"
	"github.com/grailbio/readcount/match"
	"github.com/grailbio/readcount/partition"
	"github.com/grailbio/readcount/probe"
	"github.com/grailbio/readcount/sched"
	"gopkg.in/yaml.v3"
)

// Opts configures a run. Every field is checked once by Validate before any
// sample starts.
type Opts struct {
	// Workers caps the number of concurrent extraction tasks. 0 means the
	// number of CPUs. The effective bound is further reduced by MemoryBudget.
	Workers int `yaml:"workers" validate:"gte=0"`
	// Partition bounds the size of each read partition.
	Partition partition.Bound `yaml:"partition"`
	// Chunks says how to split the probe manifest.
	Chunks probe.ChunkSpec `yaml:"chunks"`
	// Sep is the single-character manifest delimiter.
	Sep string `yaml:"sep" validate:"len=1"`
	// AmbiguityThreshold is the largest number of genes a read may hit and
	// still be counted.
	AmbiguityThreshold int `yaml:"ambiguity_threshold" validate:"gte=1"`
	// Mode is "presence" or "count".
	Mode string `yaml:"mode" validate:"oneof=presence count"`
	// Matcher is "auto", "reference" or "automaton".
	Matcher string `yaml:"matcher" validate:"oneof=auto reference automaton"`
	// MemoryBudget is the total memory extraction may use, in bytes. 0 means
	// the free memory of the machine.
	MemoryBudget int64 `yaml:"memory_budget" validate:"gte=0"`
	// PerWorkerMemory is the memory reserved for each worker when bounding
	// concurrency. 0 means sched.DefaultPerWorkerMemory.
	PerWorkerMemory int64 `yaml:"per_worker_memory" validate:"gte=0"`
	// FullMatrix persists the merged read-by-gene table next to the count
	// table.
	FullMatrix bool `yaml:"full_matrix"`
	// Restage discards staged partitions instead of reusing them when the
	// read file and partition bound are unchanged.
	Restage bool `yaml:"restage"`
	// Indel requests indel analysis, which is not implemented; it is logged
	// and ignored.
	Indel bool `yaml:"indel"`
	// MetricsTextfile, if set, receives the run metrics in the Prometheus
	// text format when the run ends.
	MetricsTextfile string `yaml:"metrics_textfile"`
}

// DefaultOpts are the settings used when nothing is overridden.
var DefaultOpts = Opts{
	Partition:          partition.Bound{MaxReads: 1000000, MaxBytes: 256 << 20},
	Chunks:             probe.ChunkSpec{GenesPerChunk: 64},
	Sep:                probe.DefaultSep,
	AmbiguityThreshold: aggregate.AmbiguityThreshold,
	Mode:               match.Presence.String(),
	Matcher:            match.Auto.String(),
}

var validate = validator.New()

// Validate checks every field of o.
func (o Opts) Validate() error {
	if err := validate.Struct(o); err != nil {
		return errors.E(errors.Invalid, "options", err)
	}
	if err := o.Partition.Validate(); err != nil {
		return errors.E(errors.Invalid, "options", err)
	}
	if err := o.Chunks.Validate(); err != nil {
		return errors.E(errors.Invalid, "options", err)
	}
	if _, err := probe.ParseSep(o.Sep); err != nil {
		return errors.E(errors.Invalid, "options", err)
	}
	return nil
}

func (o Opts) mode() match.Mode {
	m, _ := match.ParseMode(o.Mode)
	return m
}

func (o Opts) pool(slots *sched.Slots) sched.Pool {
	return sched.Pool{Workers: o.Workers, MemoryBudget: o.MemoryBudget, PerWorkerMemory: o.PerWorkerMemory, Slots: slots}
}

func (o Opts) matcher() match.Kind {
	k, _ := match.ParseKind(o.Matcher)
	return k
}

// LoadOpts overlays the YAML file at path on base. Keys missing from the file
// keep their base values. The result is validated.
func LoadOpts(ctx context.Context, path string, base Opts) (Opts, error) {
	data, err := file.ReadFile(ctx, path)
	if err != nil {
		return base, err
	}
	opts := base
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return base, errors.E(errors.Invalid, path, err)
	}
	if err := opts.Validate(); err != nil {
		return base, errors.E(path, err)
	}
	return opts, nil
}
