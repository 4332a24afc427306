/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Command tunneld runs a userspace point-to-point encrypted tunnel
// interface: a TUN device paired with a UAPI control socket, per the
// peer/session model in device.Device.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/wgtunnel/tunnel/device"
	"github.com/wgtunnel/tunnel/ipc"
	"github.com/wgtunnel/tunnel/tun"
)

const (
	exitSetupSuccess = 0
	exitSetupFailed  = 1
)

const (
	envTunFD             = "TUNNELD_TUN_FD"
	envUAPIFD            = "TUNNELD_UAPI_FD"
	envProcessForeground = "TUNNELD_PROCESS_FOREGROUND"
)

func printUsage() {
	fmt.Printf("usage:\n")
	fmt.Printf("%s [-f/--foreground] INTERFACE-NAME\n", os.Args[0])
}

func main() {
	var foreground bool
	var interfaceName string

	switch {
	case len(os.Args) == 3 && (os.Args[1] == "-f" || os.Args[1] == "--foreground"):
		foreground = true
		interfaceName = os.Args[2]
	case len(os.Args) == 2:
		foreground = false
		interfaceName = os.Args[1]
	default:
		printUsage()
		return
	}

	if !foreground {
		foreground = os.Getenv(envProcessForeground) == "1"
	}

	logLevel := func() int {
		switch os.Getenv("LOG_LEVEL") {
		case "debug":
			return device.LogLevelDebug
		case "info":
			return device.LogLevelInfo
		case "error":
			return device.LogLevelError
		case "silent":
			return device.LogLevelSilent
		}
		return device.LogLevelInfo
	}()

	// open the TUN device, or adopt one handed down by a prior foreground
	// daemonizing run via its inherited file descriptor.

	tunDevice, err := func() (tun.Device, error) {
		fdStr := os.Getenv(envTunFD)
		if fdStr == "" {
			return tun.CreateTUN(interfaceName)
		}
		fd, err := strconv.ParseUint(fdStr, 10, 32)
		if err != nil {
			return nil, err
		}
		return tun.CreateTUNFromFile(os.NewFile(uintptr(fd), ""))
	}()

	if err == nil {
		if realName, err2 := tunDevice.Name(); err2 == nil {
			interfaceName = realName
		}
	}

	logger := device.NewLogger(logLevel, fmt.Sprintf("(%s) ", interfaceName))
	logger.Info.Println("Starting tunneld")

	if err != nil {
		logger.Error.Println("Failed to create TUN device:", err)
		os.Exit(exitSetupFailed)
	}

	fileUAPI, err := func() (*os.File, error) {
		fdStr := os.Getenv(envUAPIFD)
		if fdStr == "" {
			return ipc.UAPIOpen(interfaceName)
		}
		fd, err := strconv.ParseUint(fdStr, 10, 32)
		if err != nil {
			return nil, err
		}
		return os.NewFile(uintptr(fd), ""), nil
	}()

	if err != nil {
		logger.Error.Println("UAPI listen error:", err)
		os.Exit(exitSetupFailed)
	}

	if !foreground {
		env := os.Environ()
		env = append(env, fmt.Sprintf("%s=3", envTunFD))
		env = append(env, fmt.Sprintf("%s=4", envUAPIFD))
		env = append(env, fmt.Sprintf("%s=1", envProcessForeground))
		devNull, _ := os.Open(os.DevNull)
		attr := &os.ProcAttr{
			Files: []*os.File{devNull, devNull, devNull, tunDevice.File(), fileUAPI},
			Dir:   ".",
			Env:   env,
		}
		path, err := os.Executable()
		if err != nil {
			logger.Error.Println("Failed to determine executable:", err)
			os.Exit(exitSetupFailed)
		}
		process, err := os.StartProcess(path, os.Args, attr)
		if err != nil {
			logger.Error.Println("Failed to daemonize:", err)
			os.Exit(exitSetupFailed)
		}
		process.Release()
		return
	}

	dev := device.NewDevice(tunDevice, logger)
	logger.Info.Println("Device started")

	uapiListener, err := net.FileListener(fileUAPI)
	if err != nil {
		logger.Error.Println("Failed to listen on uapi socket:", err)
		os.Exit(exitSetupFailed)
	}
	fileUAPI.Close()

	errs := make(chan error, 1)
	term := make(chan os.Signal, 1)

	go func() {
		for {
			conn, err := uapiListener.Accept()
			if err != nil {
				errs <- err
				return
			}
			go dev.IpcHandle(conn)
		}
	}()

	logger.Info.Println("UAPI listener started")

	signal.Notify(term, syscall.SIGTERM, os.Interrupt)

	select {
	case <-term:
	case <-errs:
	case <-dev.Wait():
	}

	uapiListener.Close()
	dev.Close()

	logger.Info.Println("Shutting down")
	os.Exit(exitSetupSuccess)
}
