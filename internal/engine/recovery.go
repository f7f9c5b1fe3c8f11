package engine

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/artifact-proxy/internal/metadata"
)

// RecoveryReport 汇总启动恢复清理的条目数量。
type RecoveryReport struct {
	Markers    int `json:"markers"`
	InProgress int `json:"in_progress"`
	Failures   int `json:"failures"`
}

// Recover 必须在开始接受请求前调用：回收崩溃残留的锁标记并删除对应文件与记录，
// 然后丢弃所有剩余的 IN_PROGRESS 记录（启动时不可能有存活的抓取）。
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	markers, err := e.locks.Recover()
	if err != nil {
		return report, err
	}
	var errs []error
	for _, marker := range markers {
		fields := logrus.Fields{
			"action":      "recovery",
			"marker":      marker.File,
			"pid":         marker.PID,
			"owner_alive": marker.OwnerAlive,
		}
		if marker.Origin == "" || marker.Path == "" {
			e.logger.WithFields(fields).Warn("unreadable_lock_marker_removed")
			report.Markers++
			continue
		}
		loc := marker.Locator()
		if err := e.discard(ctx, loc); err != nil {
			report.Failures++
			errs = append(errs, err)
			e.logger.WithFields(fields).WithError(err).Error("recovery_discard_failed")
			continue
		}
		report.Markers++
		e.logger.WithFields(fields).WithField("remote_path", loc.Path).Warn("stale_lock_reclaimed")
	}

	entries, err := e.meta.ListByStatus(ctx, metadata.StatusInProgress)
	if err != nil {
		return report, errors.Join(append(errs, err)...)
	}
	for _, entry := range entries {
		if e.locks.Held(entry.Locator) {
			continue
		}
		if err := e.discard(ctx, entry.Locator); err != nil {
			report.Failures++
			errs = append(errs, err)
			continue
		}
		report.InProgress++
	}

	e.metrics.Recovered("marker", report.Markers)
	e.metrics.Recovered("in_progress", report.InProgress)
	e.logger.WithFields(logrus.Fields{
		"action":      "recovery",
		"markers":     report.Markers,
		"in_progress": report.InProgress,
		"failures":    report.Failures,
	}).Info("recovery_complete")
	return report, errors.Join(errs...)
}
