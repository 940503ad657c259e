// tpinspect 离线检查一个数据库目录:统计、meta列表、点查。
// 只读打开,不会动目录里的任何文件
package main

import (
	"flag"
	"fmt"
	"os"

	"turbopersist"

	"github.com/davecgh/go-spew/spew"
	jsoniter "github.com/json-iterator/go"
)

var (
	dbDir    = flag.String("db", "", "database directory")
	families = flag.Int("families", 16, "number of families the database was created with")
	family   = flag.Int("family", 0, "family for get")
	key      = flag.String("key", "", "key for get")
	asJSON   = flag.Bool("json", false, "emit JSON instead of a debug dump")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: tpinspect -db <dir> [flags] stats|metas|get\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if *dbDir == "" || flag.NArg() != 1 {
		usage()
	}

	opt := turbopersist.NewDefaultOptions()
	opt.Families = *families
	db, err := turbopersist.OpenReadOnly(*dbDir, opt)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = db.Shutdown() }()

	switch flag.Arg(0) {
	case "stats":
		emit(db.Statistics())
	case "metas":
		emit(db.MetaInfo())
	case "get":
		if *key == "" {
			usage()
		}
		v, ok, err := db.Get(*family, []byte(*key))
		if err != nil {
			fatal(err)
		}
		if !ok {
			fmt.Printf("family %d key %q: not found\n", *family, *key)
			os.Exit(1)
		}
		fmt.Printf("family %d key %q: %d bytes\n%s\n", *family, *key, len(v), spew.Sdump(v))
	default:
		usage()
	}
}

func emit(v interface{}) {
	if *asJSON {
		out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
		if err != nil {
			fatal(err)
		}
		fmt.Println(string(out))
		return
	}
	spew.Dump(v)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "tpinspect: %v\n", err)
	os.Exit(1)
}
