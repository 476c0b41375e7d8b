package main

import "github.com/audiolibrelab/voicenote/cmd"

func main() {
	cmd.Execute()
}
