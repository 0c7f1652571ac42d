// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// memblk is a subsystem of memory backed virtual block devices. Devices are
// started and stopped by control commands and every device serves block
// operations through the shared pipeline, which keeps the flush and FUA
// semantics storage clients rely on.
//
// The subsystem is process-wide. Init builds the pipeline engine, the device
// registry, the platform table and the control dispatcher, Exit stops all
// devices and tears everything down. Subpackages:
//
// - dev is the data model shared by all other packages.
//
// - alldevs is the registry of live devices.
//
// - pipeline is the ordering and execution engine for block operations.
//
// - store contains backing stores of devices. Memory is the default, the
// null store and the s3 object store are alternatives.
//
// - platform routes block operations to started devices.
//
// - control executes the control commands and serves them on a socket.
package memblk
