package scheduler

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/types"
)

// scheduleFile is the on-disk shape of CRAWL_SCHEDULE_PATH: a flat list
// of domain entries, each referencing a profile by name.
type scheduleFile struct {
	Entries []types.ScheduleEntry `yaml:"entries"`
}

// LoadSchedule reads the domain/cadence list from path.
func LoadSchedule(path string) ([]*types.ScheduleEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierr.Wrap("scheduler.load_schedule", apierr.KindTransientInfra, err, "failed to read crawl schedule")
	}
	var f scheduleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, apierr.Wrap("scheduler.load_schedule", apierr.KindValidation, err, "failed to parse crawl schedule")
	}
	out := make([]*types.ScheduleEntry, len(f.Entries))
	for i := range f.Entries {
		out[i] = &f.Entries[i]
	}
	return out, nil
}

// LoadProfiles reads every *.yaml file in dir into a profile, keyed by
// CrawlProfile.Name.
func LoadProfiles(dir string) (map[string]types.CrawlProfile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apierr.Wrap("scheduler.load_profiles", apierr.KindTransientInfra, err, "failed to read crawl profiles directory")
	}
	profiles := make(map[string]types.CrawlProfile)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, apierr.Wrap("scheduler.load_profiles", apierr.KindTransientInfra, err, "failed to read crawl profile")
		}
		var p types.CrawlProfile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, apierr.Wrapf("scheduler.load_profiles", apierr.KindValidation, err, "failed to parse crawl profile %s", e.Name())
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(e.Name(), ext)
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}
