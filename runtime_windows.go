package callcore

import "os"

func notifySignals(channel chan os.Signal) {}
