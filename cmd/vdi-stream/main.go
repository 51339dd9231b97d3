/* SPDX-License-Identifier: Apache-2.0
 *
 * Copyright 2023 Damian Peckett <damian@peckett>.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// vdi-stream is a thin CLI wrapper around the stream package: dump-info
// prints an image's header fields, stream-to-file flattens a chain to a
// file. Neither subcommand is part of the core this module specifies; both
// exist only to exercise the public Stream API (spec.md §6).
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/xcp-ng/xcp-ng-vdi-stream/stream"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "dump-info":
		err = runDumpInfo(os.Args[2:])
	case "stream-to-file":
		err = runStreamToFile(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "vdi-stream:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vdi-stream dump-info <format> <vdi>")
	fmt.Fprintln(os.Stderr, "       vdi-stream stream-to-file <output> <format> <vdi> [base]")
}

func runDumpInfo(args []string) error {
	fs := flag.NewFlagSet("dump-info", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 2 {
		return errors.New("dump-info requires <format> <vdi>")
	}
	return dumpInfo(os.Stdout, fs.Arg(0), fs.Arg(1))
}

func runStreamToFile(args []string) error {
	fs := flag.NewFlagSet("stream-to-file", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 3 && fs.NArg() != 4 {
		return errors.New("stream-to-file requires <output> <format> <vdi> [base]")
	}
	var base string
	if fs.NArg() == 4 {
		base = fs.Arg(3)
	}
	return streamToFile(fs.Arg(0), fs.Arg(1), fs.Arg(2), base)
}

func dumpInfo(w io.Writer, format, vdi string) error {
	s := stream.New()
	if err := s.Open(format, vdi, ""); err != nil {
		return errors.New(s.GetErrorString())
	}
	defer s.Close()

	if err := s.DumpInfo(w); err != nil {
		return errors.New(s.GetErrorString())
	}
	return nil
}

func streamToFile(output, format, vdi, base string) error {
	s := stream.New()
	if err := s.Open(format, vdi, base); err != nil {
		return errors.New(s.GetErrorString())
	}
	defer s.Close()

	out, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("creating %s: %w", output, err)
	}
	defer out.Close()

	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.New(s.GetErrorString())
		}
		if _, err := out.Write(chunk); err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}
	}
}
