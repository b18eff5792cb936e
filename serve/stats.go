package serve

import (
	"encoding/json"
	"net/http"

	"camrelay/video"
)

// StatsProvider is anything that can snapshot relay stats, normally a
// *video.Relay.
type StatsProvider interface {
	Stats() video.Stats
}

// StatsServer serves the current relay stats as JSON. Add ?pretty=1 for
// indented output.
type StatsServer struct {
	Relay StatsProvider
}

func (s *StatsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		js  []byte
		err error
	)
	if r.Form.Get("pretty") != "" {
		js, err = json.MarshalIndent(s.Relay.Stats(), "", "  ")
	} else {
		js, err = json.Marshal(s.Relay.Stats())
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}
