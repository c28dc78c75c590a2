package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Seednode/santabox/exchange"
)

// RosterFile is the yaml form of --roster-file:
//
//	names: [Ann, Bob, Cy]
//	event_date: 2026-12-24
//	budget: $25
type RosterFile struct {
	Names     []string `yaml:"names" validate:"required,min=2,unique,dive,required,max=64"`
	EventDate string   `yaml:"event_date" validate:"omitempty,datetime=2006-01-02"`
	Budget    string   `yaml:"budget" validate:"omitempty,max=64"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func loadRosterFile(path string) (RosterFile, error) {
	var rf RosterFile

	data, err := os.ReadFile(path)
	if err != nil {
		return rf, fmt.Errorf("read roster file: %w", err)
	}
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return rf, fmt.Errorf("parse roster file %s: %w", path, err)
	}

	for i := range rf.Names {
		rf.Names[i] = strings.TrimSpace(rf.Names[i])
	}
	rf.EventDate = strings.TrimSpace(rf.EventDate)
	rf.Budget = strings.TrimSpace(rf.Budget)

	if err := validate.Struct(rf); err != nil {
		return rf, fmt.Errorf("invalid roster file %s: %w", path, err)
	}
	return rf, nil
}

// resolveRoster picks the roster from --roster-file or --roster. Event
// details in the file fill in flags that were left empty.
func resolveRoster(cfg *Config) ([]string, error) {
	var names []string

	if cfg.rosterFile != "" {
		rf, err := loadRosterFile(cfg.rosterFile)
		if err != nil {
			return nil, err
		}
		names = rf.Names
		if cfg.eventDate == "" {
			cfg.eventDate = rf.EventDate
		}
		if cfg.budget == "" {
			cfg.budget = rf.Budget
		}
	} else {
		for _, name := range cfg.roster {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}

	if err := exchange.ValidateRoster(names); err != nil {
		return nil, err
	}
	return names, nil
}
