package clock

import "time"

// Timer 是 AfterFunc 返回的可取消句柄。
type Timer interface {
	// Stop 取消尚未触发的回调，若回调已触发或已取消则返回 false。
	Stop() bool
}

// Clock 抽象时间来源与定时回调，便于用假时钟驱动退避与自动上锁。
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// realClock 使用 time 包。
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// NewRealClock 返回默认时钟实现。
func NewRealClock() Clock { return realClock{} }
