package model

import (
	"strings"
	"time"
)

// MIResult — нормализованный ответ модели скрининга инфаркта миокарда.
type MIResult string

const (
	MIPositive MIResult = "MI"
	MINormal   MIResult = "Normal"
	// MIUnknown — модель недоступна или ответ не распознан.
	MIUnknown MIResult = "Unknown"
)

// ParseMIResult нормализует метку модели. Всё, кроме MI и Normal, — Unknown.
func ParseMIResult(label string) MIResult {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "mi":
		return MIPositive
	case "normal":
		return MINormal
	default:
		return MIUnknown
	}
}

// AggregateMI — правило ансамбля: MI, если хотя бы одна модель сообщила MI.
// Unknown при агрегации считается Normal.
func AggregateMI(r1, r2 MIResult) MIResult {
	if r1 == MIPositive || r2 == MIPositive {
		return MIPositive
	}
	return MINormal
}

// MIDetection — неизменяемый результат одного запуска ансамбля.
type MIDetection struct {
	ID          string
	VideoID     string
	RequestedBy string
	Model1      MIResult
	Model2      MIResult
	Final       MIResult
	// Degraded — хотя бы один сигнал Unknown
	Degraded   bool
	DetectedAt time.Time
}

// Blind сообщает, что обе модели были недоступны и Normal получен без сигналов.
func (d *MIDetection) Blind() bool {
	return d.Model1 == MIUnknown && d.Model2 == MIUnknown
}
