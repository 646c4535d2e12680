package slurm

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mpataki/decoy/internal/prefilter"
	"github.com/mpataki/decoy/internal/workspace"
)

// Resources are the fixed #SBATCH requests every decoy script declares.
type Resources struct {
	Partition   string
	Tasks       int
	CPUsPerTask int
	Memory      string
	TimeLimit   string
	Requeue     bool
}

func DefaultResources() Resources {
	return Resources{
		Partition:   "main",
		Tasks:       1,
		CPUsPerTask: 1,
		Memory:      "4GB",
		TimeLimit:   "72:00:00",
		Requeue:     true,
	}
}

// JobDescriptor identifies one generated launch script and the name the
// scheduler will show for it.
type JobDescriptor struct {
	ScriptPath string
	Name       string
}

// Script is one decoy launch script.
type Script struct {
	Name          string // output name, also the job name
	InputFile     string
	Steps         int
	PreFilterFile string // empty when engine defaults apply
	Command       string
	Resources     Resources
}

func (s Script) MakeHead() []string {
	head := []string{
		"#!/bin/bash",
		"#SBATCH --partition=" + s.Resources.Partition,
		"#SBATCH --ntasks=" + strconv.Itoa(s.Resources.Tasks),
		"#SBATCH --cpus-per-task=" + strconv.Itoa(s.Resources.CPUsPerTask),
		"#SBATCH --mem=" + s.Resources.Memory,
		"#SBATCH --time=" + s.Resources.TimeLimit,
	}
	if s.Resources.Requeue {
		head = append(head, "#SBATCH --requeue")
	}
	return append(head,
		"#SBATCH --job-name="+s.Name,
		"#SBATCH --output="+workspace.StdoutPath(s.Name),
		"#SBATCH --error="+workspace.StderrPath(s.Name),
		"",
	)
}

func (s Script) MakeBody() []string {
	line := fmt.Sprintf("%s %s -ns %d -o %s", s.Command, s.InputFile, s.Steps, s.Name)
	if s.PreFilterFile != "" {
		line += " -pf " + s.PreFilterFile
	}
	return []string{line}
}

func (s Script) Make() []string {
	return append(s.MakeHead(), s.MakeBody()...)
}

func (s Script) Render() string {
	return strings.Join(s.Make(), "\n") + "\n"
}

func (s Script) Write(path string) error {
	if err := os.WriteFile(path, []byte(s.Render()), 0755); err != nil {
		return fmt.Errorf("failed to write launch script: %w", err)
	}
	return nil
}

// Generator writes launch scripts that share a command and resource set.
type Generator struct {
	Command   string
	Resources Resources
}

func NewGenerator(command string, res Resources) *Generator {
	return &Generator{Command: command, Resources: res}
}

// Generate writes <name>.sh and, when pf differs from the engine defaults,
// the sibling <name>_pre_filter.json the script points at.
func (g *Generator) Generate(name, inputFile string, steps int, pf *prefilter.PreFilter) (*JobDescriptor, error) {
	s := Script{
		Name:      name,
		InputFile: inputFile,
		Steps:     steps,
		Command:   g.Command,
		Resources: g.Resources,
	}

	if !pf.IsDefault() {
		s.PreFilterFile = workspace.PreFilterPath(name)
		if err := pf.Save(s.PreFilterFile); err != nil {
			return nil, err
		}
	}

	path := workspace.ScriptPath(name)
	if err := s.Write(path); err != nil {
		return nil, err
	}
	return &JobDescriptor{ScriptPath: path, Name: name}, nil
}
