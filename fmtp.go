// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package fmtp is a receiver implementation of the File Multicast Transfer
// Protocol: products multicast over UDP, losses repaired block by block over
// a per-receiver TCP connection back to the sender.
//
// The entry point is Downstream. It subscribes to a feed, joins the
// advertised multicast group and runs the session workers until stopped,
// retrying with a nap after transient failures:
//
//	conf := fmtp.Config{
//		Feed:     "ngrid2",
//		Sender:   "sender.example.net:38800",
//		StateDir: "/var/lib/fmtp",
//	}
//	down, err := fmtp.NewDownstream(conf, &receiver.DirNotifier{Dir: "/data/products"})
//	if err != nil {
//		return err
//	}
//	go down.Run(ctx)
//	defer down.Stop()
//
// Completed products are handed to the ProductNotifier exactly once each.
// Products that cannot be recovered produce a failure notification and never
// stall the feed.
package fmtp
