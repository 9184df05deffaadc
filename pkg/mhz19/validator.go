// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mhz19

import "fmt"

// AnomalyType represents different types of reading anomalies
type AnomalyType int

const (
	AnomalyNotReady AnomalyType = iota
	AnomalyHighCO2
	AnomalyInvalidTemp
)

// ValidationError represents a reading that decoded but looks wrong
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateReading checks a decoded reading against the sensor's limits.
// Returns an empty slice when nothing looks wrong.
func ValidateReading(r Reading) []ValidationError {
	errors := []ValidationError{}

	if r.Status != StatusValid {
		errors = append(errors, ValidationError{
			Type:    AnomalyNotReady,
			Message: fmt.Sprintf("Status byte=%d (expected %d)", r.Status, StatusValid),
			Details: map[string]interface{}{"status": r.Status, "expected": StatusValid},
		})
	}

	if r.CO2 > MaxCO2 {
		errors = append(errors, ValidationError{
			Type:    AnomalyHighCO2,
			Message: fmt.Sprintf("CO2=%d ppm above sensor ceiling %d", r.CO2, MaxCO2),
			Details: map[string]interface{}{"co2": r.CO2, "max": MaxCO2},
		})
	}

	if r.Temperature < MinTemperatureC || r.Temperature > MaxTemperatureC {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidTemp,
			Message: fmt.Sprintf("Temperature=%d°C out of range (%d to %d)", r.Temperature, MinTemperatureC, MaxTemperatureC),
			Details: map[string]interface{}{"temperature": r.Temperature, "min": MinTemperatureC, "max": MaxTemperatureC},
		})
	}

	return errors
}
