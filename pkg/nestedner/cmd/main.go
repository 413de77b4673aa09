// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command nestedner trains and runs nested named entity recognition pipes.
//
// Usage:
//
//	nestedner train --train train.jsonl --dev dev.jsonl --output ./model
//	nestedner evaluate --model ./model --data test.jsonl
//	nestedner predict --model ./model --input notes.jsonl
//	nestedner predict --model ./model --input notes.jsonl --omop-dir ./omop
package main

import "github.com/antflydb/nestedner/pkg/nestedner/cmd/cmd"

// https://goreleaser.com/cookbooks/using-main.version/
//
// main.version: Current Git tag (the v prefix is stripped) or the name of the snapshot
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
