package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"delta6"
	"delta6/kinematics"
)

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain() error {
	port := flag.String("port", "", "serial port of the encoder board, e.g. /dev/ttyUSB0")
	freq := flag.Float64("freq", 50, "readings per second")
	zero := flag.Bool("zero", false, "zero the encoders before reading")
	springModel := flag.String("spring-model", "standard", "standard or dual_spring_roll_pitch")
	raw := flag.Bool("raw", false, "also print raw encoder counts")
	flag.Parse()

	logger := logging.NewLogger("delta6-cli")
	if *port == "" {
		flag.Usage()
		return fmt.Errorf("-port is required")
	}
	if *freq <= 0 {
		return fmt.Errorf("-freq must be positive, got %v", *freq)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	geom := kinematics.DefaultGeometry()
	model, err := kinematics.ParseSpringModel(*springModel)
	if err != nil {
		return err
	}
	geom.SpringModel = model
	robot, err := kinematics.New(geom)
	if err != nil {
		return err
	}
	state := kinematics.NewState(robot)

	board, err := delta6.OpenEncoderBoard(delta6.BoardOptions{Port: *port})
	if err != nil {
		return err
	}
	defer board.Close()

	if *zero {
		if err := board.Zero(ctx); err != nil {
			return err
		}
		logger.Info("Encoders zeroed")
		// The board stores offsets before answering reads again.
		if !utils.SelectContextOrWait(ctx, 100*time.Millisecond) {
			return nil
		}
	}

	logger.Infof("Reading Delta6 on %s at %.0f Hz, Ctrl+C to exit", *port, *freq)
	period := time.Duration(float64(time.Second) / *freq)

	for {
		counts, err := board.ReadCounts(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Printf("⚠️  Read failed: %v\n", err)
		} else {
			if *raw {
				fmt.Printf("Counts:  %v\n", counts)
			}
			printSample(state.Update(board.Angles(counts)))
		}

		if !utils.SelectContextOrWait(ctx, period) {
			return nil
		}
	}
}

func printSample(s kinematics.State) {
	angles := s.Angles()
	fmt.Printf("Angles:  [% .4f % .4f % .4f % .4f % .4f % .4f] rad\n",
		angles[0], angles[1], angles[2], angles[3], angles[4], angles[5])

	pose, err := s.Pose()
	if err != nil {
		fmt.Printf("Pose:    %v\n", err)
		return
	}
	fmt.Printf("Pose:    x=% .2f y=% .2f z=% .2f mm  roll=% .2f pitch=% .2f yaw=% .2f deg\n",
		pose.X*1000, pose.Y*1000, pose.Z*1000,
		degrees(pose.Roll), degrees(pose.Pitch), degrees(pose.Yaw))

	w, err := s.Wrench()
	if err != nil {
		fmt.Printf("Wrench:  %v\n", err)
		return
	}
	fmt.Printf("Wrench:  F=[% .3f % .3f % .3f] N  M=[% .4f % .4f % .4f] N·m\n",
		w.Force.X, w.Force.Y, w.Force.Z, w.Moment.X, w.Moment.Y, w.Moment.Z)
	fmt.Println("-----------------------------------------------------------")
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
