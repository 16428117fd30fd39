package metrics

import "sync"

var registerOnce sync.Once

// Register registers all domain metrics with the default registry. Must be called once from main.
func Register() {
	registerOnce.Do(func() {
		registerProvider()
		registerBreaker()
		registerAdmission()
		registerCoordination()
		registerStream()
		registerHTTP()
	})
}
