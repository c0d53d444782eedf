package menu

import (
	"fmt"
	"os"
	"time"

	"github.com/ariefcatur/go-canteen-wallet/internal/money"
	"gopkg.in/yaml.v2"
)

type yamlFile struct {
	Timezone      string     `yaml:"timezone"`
	LeadTime      string     `yaml:"lead_time"`
	OrderableDays []string   `yaml:"orderable_days"`
	Items         []yamlItem `yaml:"items"`
}

type yamlItem struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Price     string   `yaml:"price"`
	DailyCap  int      `yaml:"daily_cap"`
	Days      []string `yaml:"days"`
	Available *bool    `yaml:"available"`
}

// LoadYAML reads a published menu from disk. Prices are decimal strings
// ("65.00") and are converted to minor units.
func LoadYAML(path string) (Menu, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Menu{}, fmt.Errorf("read menu file: %w", err)
	}
	return ParseYAML(b)
}

func ParseYAML(b []byte) (Menu, error) {
	var f yamlFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return Menu{}, fmt.Errorf("decode menu: %w", err)
	}

	m := Menu{Items: make(map[string]Item, len(f.Items))}
	if f.Timezone != "" {
		loc, err := time.LoadLocation(f.Timezone)
		if err != nil {
			return Menu{}, fmt.Errorf("menu timezone: %w", err)
		}
		m.Location = loc
	}
	if f.LeadTime != "" {
		d, err := time.ParseDuration(f.LeadTime)
		if err != nil {
			return Menu{}, fmt.Errorf("menu lead_time: %w", err)
		}
		m.LeadTime = d
	}
	days, err := ParseWeekdays(f.OrderableDays)
	if err != nil {
		return Menu{}, fmt.Errorf("menu orderable_days: %w", err)
	}
	m.OrderableDays = days

	for _, yi := range f.Items {
		if yi.ID == "" {
			return Menu{}, fmt.Errorf("menu item without id")
		}
		if _, dup := m.Items[yi.ID]; dup {
			return Menu{}, fmt.Errorf("menu item %s listed twice", yi.ID)
		}
		price, err := money.Parse(yi.Price)
		if err != nil {
			return Menu{}, fmt.Errorf("menu item %s price: %w", yi.ID, err)
		}
		if price < 0 {
			return Menu{}, fmt.Errorf("menu item %s has negative price", yi.ID)
		}
		if yi.DailyCap < 0 {
			return Menu{}, fmt.Errorf("menu item %s has negative daily_cap", yi.ID)
		}
		itemDays, err := ParseWeekdays(yi.Days)
		if err != nil {
			return Menu{}, fmt.Errorf("menu item %s days: %w", yi.ID, err)
		}
		available := true
		if yi.Available != nil {
			available = *yi.Available
		}
		m.Items[yi.ID] = Item{
			ID:        yi.ID,
			Name:      yi.Name,
			Price:     price,
			DailyCap:  yi.DailyCap,
			Days:      itemDays,
			Available: available,
		}
	}
	return m, nil
}
