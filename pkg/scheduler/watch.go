package scheduler

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/log"
)

// WatchProfiles reloads s.profiles whenever a file under dir changes,
// so profile edits (retry budgets, link caps, concurrency) take effect
// on the next tick without restarting the scheduler. It blocks until
// ctx is cancelled.
func (s *Scheduler) WatchProfiles(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apierr.Wrap("scheduler.watch_profiles", apierr.KindTransientInfra, err, "failed to start profile watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return apierr.Wrap("scheduler.watch_profiles", apierr.KindTransientInfra, err, "failed to watch crawl profiles directory")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			profiles, err := LoadProfiles(dir)
			if err != nil {
				log.Errorf("failed to reload crawl profiles after change", err)
				continue
			}
			s.mu.Lock()
			s.profiles = profiles
			s.mu.Unlock()
			log.WithComponent("scheduler").Info().Str("path", event.Name).Msg("reloaded crawl profiles")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("profile watcher error", err)
		}
	}
}
