package main

import (
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"

	"delta6"
)

func main() {
	// ModularMain can take multiple APIModel arguments, if your module implements multiple models.
	module.ModularMain(
		resource.APIModel{API: sensor.API, Model: delta6.ForceSensorModel},
		resource.APIModel{API: gripper.API, Model: delta6.GripperModel},
		resource.APIModel{API: motor.API, Model: delta6.GrinderModel},
		resource.APIModel{API: discovery.API, Model: delta6.DiscoveryModel},
	)
}
