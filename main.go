package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"

	"github.com/dot5enko/voxel-region/region"
)

// vxr inspector: prints the header, occupancy and sector map of a
// region file.
//
//	go run . [-blocks] [-palette] <file.vxr>
func main() {

	listBlocks := flag.Bool("blocks", false, "list live blocks with their sector ranges")
	dumpPalette := flag.Bool("palette", false, "dump the palette if the file has one")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: vxr [-blocks] [-palette] <file.%s>\n", region.FileExtension)
		os.Exit(2)
	}

	path := flag.Arg(0)

	rf := region.New()
	if openErr := rf.Open(path, false); openErr != nil {
		log.Fatalf("unable to open %s : %s", path, openErr.Error())
	}
	defer rf.Close()

	format := rf.Format()

	color.Cyan("%s", path)
	fmt.Printf("version      : %d\n", rf.Version())
	fmt.Printf("block size   : %d (po2 %d)\n", 1<<format.BlockSizePo2, format.BlockSizePo2)
	fmt.Printf("region size  : %s (%d block slots)\n", format.RegionSize, rf.HeaderBlockCount())
	fmt.Printf("sector size  : %d\n", format.SectorSize)
	fmt.Printf("palette      : %v\n", format.HasPalette)

	depths := make([]int, region.ChannelCount)
	for i, d := range format.ChannelDepths {
		depths[i] = d.BitCount()
	}
	fmt.Printf("depths (bits): %v\n", depths)

	present := 0
	for i := 0; i < rf.HeaderBlockCount(); i++ {
		if rf.BlockInfoAt(i).Present() {
			present++
		}
	}

	fmt.Printf("blocks       : %d present, %d sectors used\n", present, rf.SectorCount())

	if *listBlocks {
		color.Green("live blocks:")
		for i := 0; i < rf.HeaderBlockCount(); i++ {
			info := rf.BlockInfoAt(i)
			if !info.Present() {
				continue
			}
			fmt.Printf("  %s sectors [%d..%d)\n",
				rf.PositionFromBlockIndex(i),
				info.SectorIndex(), info.SectorIndex()+info.SectorCount())
		}
	}

	if *dumpPalette {
		if format.HasPalette {
			spew.Dump(format.Palette)
		} else {
			color.Yellow("file has no palette")
		}
	}
}
