package sim

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/banshee-data/lidarsim/internal/config"
	"github.com/banshee-data/lidarsim/internal/lidar/monitor"
	"github.com/banshee-data/lidarsim/internal/lidar/publish"
	"github.com/banshee-data/lidarsim/internal/lidar/visualiser"
	"github.com/banshee-data/lidarsim/internal/lidardb"
)

// Outputs are the frame consumers built from config.OutputConfig. Fields
// are nil for disabled consumers; Hub and Web are always present.
type Outputs struct {
	Visualiser *visualiser.Publisher
	Forwarder  *publish.Forwarder
	Pcap       *publish.PcapRecorder
	NATS       *publish.NATSPublisher
	DB         *lidardb.DB
	Hub        *publish.Hub
	Web        *monitor.WebServer

	closers []func() error
}

// Wire builds every enabled consumer, attaches them to the simulation's
// sensors and prepares the HTTP monitor. Background goroutines stop with
// ctx; Close releases the rest. On error everything built so far is
// closed.
func Wire(ctx context.Context, s *Simulation, oc config.OutputConfig) (_ *Outputs, err error) {
	o := &Outputs{Hub: publish.NewHub()}
	defer func() {
		if err != nil {
			o.Close()
		}
	}()
	go o.Hub.Run(ctx)
	sinks := []publish.Sink{o.Hub}

	if addr := oc.GetGRPCAddr(); addr != "" {
		vcfg := visualiser.DefaultConfig()
		vcfg.ListenAddr = addr
		o.Visualiser = visualiser.NewPublisher(vcfg)
		if err := o.Visualiser.Start(); err != nil {
			return nil, fmt.Errorf("visualiser: %w", err)
		}
		o.closers = append(o.closers, func() error { o.Visualiser.Stop(); return nil })
		sinks = append(sinks, publish.Visualiser(o.Visualiser))
	}

	if port := oc.GetForwardPort(); port != 0 {
		if o.Forwarder, err = publish.NewForwarder(oc.GetForwardAddr(), port, s.logInterval); err != nil {
			return nil, err
		}
		if path := oc.GetPcapPath(); path != "" {
			if err := o.recordPcap(path); err != nil {
				o.Forwarder.Close()
				return nil, fmt.Errorf("pcap: %w", err)
			}
		}
		// Registered after the pcap file so the forwarder stops writing first.
		o.closers = append(o.closers, o.Forwarder.Close)
		o.Forwarder.Start(ctx)
		sinks = append(sinks, o.Forwarder)
	}

	if url := oc.GetNATSURL(); url != "" {
		o.NATS = publish.NewNATSPublisher(oc.GetNATSPrefix())
		if err := o.NATS.Connect(url); err != nil {
			return nil, err
		}
		o.closers = append(o.closers, func() error { o.NATS.Close(); return nil })
		sinks = append(sinks, o.NATS)
	}

	if path := oc.GetDBPath(); path != "" {
		if o.DB, err = lidardb.Open(path); err != nil {
			return nil, err
		}
		o.closers = append(o.closers, o.DB.Close)
		for _, sn := range s.Sensors() {
			if err := o.DB.Attach(ctx, sn); err != nil {
				return nil, err
			}
		}
	}

	s.Attach(sinks...)

	o.Web, err = monitor.NewWebServer(monitor.WebServerConfig{
		Address:   oc.GetHTTPAddr(),
		Registry:  s.Registry(),
		Stats:     s.Stats(),
		WebSocket: o.Hub,
		DB:        o.DB,
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Outputs) recordPcap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	local, remote := o.Forwarder.Addrs()
	if o.Pcap, err = publish.NewPcapRecorder(f, local, remote); err != nil {
		f.Close()
		return err
	}
	o.closers = append(o.closers, f.Close)
	o.Forwarder.SetRecorder(o.Pcap)
	return nil
}

// Close releases consumers in reverse order of creation.
func (o *Outputs) Close() error {
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	o.closers = nil
	return errors.Join(errs...)
}
