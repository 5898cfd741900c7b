package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/theckman/yacspin"

	"github.com/labhw/nv40/nv40"
)

const usage = `nv40test checks communication with an NV40/3 or NV40/3CLE.

Usage:
	nv40test <addr> <model> [serial]

addr is host:port or a serial device such as /dev/ttyUSB0, model is NV40/3 or
NV40/3CLE, and serial (true/false, default false) selects RS232.`

func spinner(msg string) (*yacspin.Spinner, error) {
	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
	}
	return yacspin.New(cfg)
}

func main() {
	log := logrus.New()
	args := os.Args[1:]
	if len(args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}
	model, err := nv40.ParseModel(args[1])
	if err != nil {
		log.Fatal(err)
	}
	serial := len(args) > 2 && args[2] == "true"

	rd := nv40.NewRemoteDevice(args[0], serial)
	if err := rd.Open(); err != nil {
		log.Fatal(err)
	}
	defer rd.Close()

	ctl, err := nv40.New(rd, model, nv40.WithLogger(log))
	if err != nil {
		log.Fatal(err)
	}
	ver, err := ctl.Version()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("version:", ver)

	spin, err := spinner("measuring z, y, x")
	if err != nil {
		log.Fatal(err)
	}
	spin.Start()
	pos, err := ctl.MeasureAll()
	if err != nil {
		spin.StopFailMessage(err.Error())
		spin.StopFail()
		os.Exit(1)
	}
	spin.StopMessage(fmt.Sprintf("z=%.3f y=%.3f x=%.3f", pos[nv40.Z], pos[nv40.Y], pos[nv40.X]))
	spin.Stop()
}
