// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"periph.io/x/conn/v3/physic"
)

// EnvSensor is the part of periph's physic.SenseEnv a sampler needs.
type EnvSensor interface {
	Sense(env *physic.Env) error
}

// EnvSampler samples a periph environmental sensor.
type EnvSampler struct {
	Sensor EnvSensor
}

// Sample senses once and converts the result to °C and %RH.
func (e EnvSampler) Sample() (Sample, error) {
	var env physic.Env
	if err := e.Sensor.Sense(&env); err != nil {
		return Sample{}, err
	}
	return SampleFromEnv(env), nil
}

// SampleFromEnv converts periph units to a Sample.
func SampleFromEnv(env physic.Env) Sample {
	return Sample{
		Temperature: float64(env.Temperature-physic.ZeroCelsius) / float64(physic.Celsius),
		Humidity:    float64(env.Humidity) / float64(physic.PercentRH),
	}
}

// FixedSampler always returns the same sample. It stands in for the
// secondary sensor on hosts without one.
type FixedSampler Sample

func (f FixedSampler) Sample() (Sample, error) {
	return Sample(f), nil
}
