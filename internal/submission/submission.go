// Copyright (C) 2025 Sampleforge Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package submission turns pending processing units into batch job
// descriptors: one work-item file per unit plus one submission
// descriptor the batch backend consumes.
//
// Writing descriptors and submitting them are separate steps. Build
// always only writes files, so a dry run is the default; the actual
// submission command is executed only through Submit.
package submission

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/sampleforge/sampleforge/internal/planner"
)

type Config struct {
	// Executable is the worker program the backend runs once per unit.
	Executable string `mapstructure:"executable"`

	// SubmitCommand is the backend's submission tool, default condor_submit.
	SubmitCommand string `mapstructure:"submit_command"`

	// TransferFiles are shared code or resource bundles staged to every
	// worker in addition to the per-unit descriptor files.
	TransferFiles []string `mapstructure:"transfer_files"`

	RequestCPUs   int    `mapstructure:"request_cpus"`
	RequestMemory string `mapstructure:"request_memory"`
	RequestDisk   string `mapstructure:"request_disk"`

	// WorkDir is where descriptor files and logs are written.
	WorkDir string `mapstructure:"work_dir"`

	// Extra holds opaque key/value pairs copied verbatim into the
	// submission descriptor.
	Extra map[string]string `mapstructure:"extra"`
}

func (c Config) submitCommand() string {
	if c.SubmitCommand == "" {
		return "condor_submit"
	}
	return c.SubmitCommand
}

func (c Config) workDir() string {
	if c.WorkDir == "" {
		return "."
	}
	return c.WorkDir
}

type Builder struct {
	cfg Config
}

func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// WriteUnitFile writes one work-item file for a pending unit: one line
// per (input, output, dataset) triple, whitespace separated. Returns
// the written filename.
func (b *Builder) WriteUnitFile(dataset string, unit planner.Unit) (string, error) {
	if len(unit.Pending) == 0 {
		return "", fmt.Errorf("unit %s has no pending work", unit.ID)
	}

	var sb strings.Builder
	for _, pair := range unit.Pending {
		fmt.Fprintf(&sb, "%s %s %s\n", pair.Input, pair.Output, dataset)
	}

	filename := filepath.Join(b.cfg.workDir(), unit.ID+".txt")
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filename, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing unit file %s: %w", filename, err)
	}
	return filename, nil
}

// WriteSubmitDescriptor writes the submission descriptor covering the
// given unit files. The backend invokes the executable once per unit
// with that unit's file as the sole argument, and each unit's output,
// error, and log streams are keyed by the unit identifier so they never
// collide.
func (b *Builder) WriteSubmitDescriptor(units []planner.Unit, unitFiles []string) (string, error) {
	if len(units) == 0 {
		return "", fmt.Errorf("no units to submit")
	}
	if len(units) != len(unitFiles) {
		return "", fmt.Errorf("have %d units but %d unit files", len(units), len(unitFiles))
	}

	transfer := make([]string, 0, len(unitFiles)+len(b.cfg.TransferFiles))
	transfer = append(transfer, b.cfg.TransferFiles...)
	transfer = append(transfer, unitFiles...)

	var sb strings.Builder
	fmt.Fprintf(&sb, "universe = vanilla\n")
	fmt.Fprintf(&sb, "batch_name = %s\n", uuid.NewString())
	fmt.Fprintf(&sb, "executable = %s\n", b.cfg.Executable)
	fmt.Fprintf(&sb, "should_transfer_files = YES\n")
	fmt.Fprintf(&sb, "when_to_transfer_output = ON_EXIT\n")
	fmt.Fprintf(&sb, "transfer_input_files = %s\n", strings.Join(transfer, ","))
	if b.cfg.RequestCPUs > 0 {
		fmt.Fprintf(&sb, "request_cpus = %d\n", b.cfg.RequestCPUs)
	}
	if b.cfg.RequestMemory != "" {
		fmt.Fprintf(&sb, "request_memory = %s\n", b.cfg.RequestMemory)
	}
	if b.cfg.RequestDisk != "" {
		fmt.Fprintf(&sb, "request_disk = %s\n", b.cfg.RequestDisk)
	}

	extraKeys := make([]string, 0, len(b.cfg.Extra))
	for k := range b.cfg.Extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		fmt.Fprintf(&sb, "%s = %s\n", k, b.cfg.Extra[k])
	}

	sb.WriteString("\n")
	for i, unit := range units {
		fmt.Fprintf(&sb, "arguments = %s\n", filepath.Base(unitFiles[i]))
		fmt.Fprintf(&sb, "output = logs/%s.out\n", unit.ID)
		fmt.Fprintf(&sb, "error = logs/%s.err\n", unit.ID)
		fmt.Fprintf(&sb, "log = logs/%s.log\n", unit.ID)
		fmt.Fprintf(&sb, "queue\n\n")
	}

	filename := filepath.Join(b.cfg.workDir(), "submit.jdl")
	if err := os.MkdirAll(filepath.Join(b.cfg.workDir(), "logs"), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filename, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing submit descriptor %s: %w", filename, err)
	}
	return filename, nil
}

// Command returns the submission command line for a descriptor, for
// printing during a dry run.
func (b *Builder) Command(descriptor string) []string {
	return []string{b.cfg.submitCommand(), descriptor}
}

// Submit runs the backend's submission tool on a descriptor. It is the
// only place the package causes external side effects beyond the
// working directory.
func (b *Builder) Submit(ctx context.Context, descriptor string) (string, error) {
	argv := b.Command(descriptor)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = b.cfg.workDir()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s failed: %w", argv[0], err)
	}
	return string(out), nil
}
