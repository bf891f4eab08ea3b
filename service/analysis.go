package service

import (
	"fmt"
	"sort"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/instrument"
)

// InputReport describes one weighted input of a control.
type InputReport struct {
	Control string
	Weight  float64
}

// ControlReport summarises a control and its place in the dependency graph.
type ControlReport struct {
	Name       string
	Units      string
	Local      float64
	Output     float64
	Inputs     []InputReport
	Dependents []string
}

// InstrumentReport summarises an instrument's control graph.
type InstrumentReport struct {
	ID       string
	Driver   string
	Controls []ControlReport
	Errors   []string
	Source   config.ModuleReference
}

// AnalyzeDependencies builds every instrument's control graph against an
// in-memory writer and reports outputs and weighted links. Construction
// failures such as dependency cycles are recorded per instrument.
func AnalyzeDependencies(cfg *config.Config) ([]InstrumentReport, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	reports := make([]InstrumentReport, 0, len(cfg.Instruments))
	for _, instCfg := range cfg.Instruments {
		report := InstrumentReport{ID: instCfg.ID, Driver: instCfg.Driver, Source: instCfg.Source}
		if report.Driver == "" {
			report.Driver = "memory"
		}
		inst, err := instrument.New(instCfg, nil)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			reports = append(reports, report)
			continue
		}
		report.Controls = buildControlReports(instCfg, inst)
		_ = inst.Close()
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].ID < reports[j].ID })
	return reports, nil
}

func buildControlReports(cfg config.InstrumentConfig, inst *instrument.Instrument) []ControlReport {
	units := make(map[string]string, len(cfg.Controls))
	locals := make(map[string]float64, len(cfg.Controls))
	for _, ctrl := range cfg.Controls {
		units[ctrl.Name] = ctrl.Units
		locals[ctrl.Name] = ctrl.Value
	}
	inputs := make(map[string][]InputReport)
	dependents := make(map[string][]string)
	for _, dep := range inst.Dependencies() {
		inputs[dep.Control] = append(inputs[dep.Control], InputReport{Control: dep.Input, Weight: dep.Weight})
		dependents[dep.Input] = append(dependents[dep.Input], dep.Control)
	}
	names := inst.ControlNames()
	reports := make([]ControlReport, 0, len(names))
	for _, name := range names {
		output, _ := inst.GetControlOutput(name)
		deps := dependents[name]
		sort.Strings(deps)
		reports = append(reports, ControlReport{
			Name:       name,
			Units:      units[name],
			Local:      locals[name],
			Output:     output,
			Inputs:     inputs[name],
			Dependents: deps,
		})
	}
	return reports
}
