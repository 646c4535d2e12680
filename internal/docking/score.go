package docking

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNoEnergies = errors.New("structure has no pose energies table")

// PoseEnergyScorer reads the total score Rosetta appends to written PDB files:
//
//	#BEGIN_POSE_ENERGIES_TABLE complex_0.pdb
//	label fa_atr fa_rep ... total
//	weights 1 0.55 ... NA
//	pose -1203.4 98.1 ... -812.7
//	...
//	#END_POSE_ENERGIES_TABLE complex_0.pdb
//
// The score is the "total" column of the "pose" row.
type PoseEnergyScorer struct{}

func (PoseEnergyScorer) Score(_ context.Context, s *Structure) (float64, error) {
	scanner := bufio.NewScanner(bytes.NewReader(s.PDB))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	inTable := false
	totalCol := -1
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch {
		case fields[0] == "#BEGIN_POSE_ENERGIES_TABLE":
			inTable = true
		case fields[0] == "#END_POSE_ENERGIES_TABLE":
			inTable = false
		case inTable && fields[0] == "label":
			for i, f := range fields {
				if f == "total" {
					totalCol = i
				}
			}
		case inTable && fields[0] == "pose":
			col := totalCol
			if col < 0 || col >= len(fields) {
				col = len(fields) - 1
			}
			v, err := strconv.ParseFloat(fields[col], 64)
			if err != nil {
				return 0, fmt.Errorf("invalid pose total %q in %s: %w", fields[col], s.Name, err)
			}
			return v, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: %s", ErrNoEnergies, s.Name)
}
