// Package generator produces fake but plausible attendance data: people,
// terminals and the punches they leave during a working day.
package generator

import (
	"sort"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Modality is how a person identified at a terminal.
type Modality string

const (
	ModalityFingerprint Modality = "fingerprint"
	ModalityCard        Modality = "card"
	ModalityFace        Modality = "face"
)

// Terminal describes a fake access-control unit.
type Terminal struct {
	Name         string `fake:"{company}"`
	Location     string `fake:"{city}"`
	MacAddress   string `fake:"{macaddress}"`
	IPAddress    string `fake:"{ipv4address}"`
	Firmware     string `fake:"{appversion}"`
	SerialNumber string `fake:"skip"`
}

// Person is an enrolled user. DeviceUserID is the short numeric id devices use.
type Person struct {
	UserID       string `fake:"{uuid}"`
	Name         string `fake:"{name}"`
	DeviceUserID string `fake:"skip"`
	Fingerprints int    `fake:"{number:0,3}"`
	HasCard      bool   `fake:"{bool}"`
	HasFace      bool   `fake:"{bool}"`
}

// Punch is one identification event at a terminal.
type Punch struct {
	Time         time.Time
	DeviceUserID string
	Modality     Modality
}

// Generator wraps a seeded faker so runs can be reproduced.
type Generator struct {
	faker *gofakeit.Faker
}

// New returns a generator. A zero seed picks a random one.
func New(seed uint64) *Generator {
	return &Generator{faker: gofakeit.New(seed)}
}

// NewTerminal returns a fake terminal.
func (g *Generator) NewTerminal() *Terminal {
	var t Terminal
	if err := g.faker.Struct(&t); err != nil {
		return nil
	}
	t.Name = t.Name + " Gate"
	t.SerialNumber = strings.ToUpper(g.faker.Letter()+g.faker.Letter()) + g.faker.DigitN(10)
	return &t
}

// NewPeople returns n people with distinct device user ids of at most idLen digits.
func (g *Generator) NewPeople(n, idLen int) []Person {
	if idLen <= 0 {
		idLen = 8
	}
	people := make([]Person, 0, n)
	seen := make(map[string]struct{}, n)
	for len(people) < n {
		var p Person
		if err := g.faker.Struct(&p); err != nil {
			continue
		}
		id := strings.TrimLeft(g.faker.DigitN(uint(idLen)), "0")
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		p.DeviceUserID = id
		people = append(people, p)
	}
	return people
}

// ShiftPattern shapes a generated working day, in local wall-clock terms.
type ShiftPattern struct {
	Start time.Duration
	End   time.Duration
	// Jitter is the maximum deviation from Start and End.
	Jitter time.Duration
	// AbsenceRate and DoublePunchRate are probabilities in [0,1].
	AbsenceRate     float64
	DoublePunchRate float64
}

// DefaultShift is a 09:00 to 17:30 day.
var DefaultShift = ShiftPattern{
	Start:           9 * time.Hour,
	End:             17*time.Hour + 30*time.Minute,
	Jitter:          20 * time.Minute,
	AbsenceRate:     0.05,
	DoublePunchRate: 0.1,
}

// Day generates the punches of people on the calendar day of date in loc,
// sorted by time. Some people are absent and some punch twice on arrival.
func (g *Generator) Day(people []Person, date time.Time, loc *time.Location, shift ShiftPattern) []Punch {
	y, m, d := date.In(loc).Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)

	punches := make([]Punch, 0, len(people)*2)
	for _, p := range people {
		if g.faker.Float64Range(0, 1) < shift.AbsenceRate {
			continue
		}
		mod := g.modality(p)
		in := midnight.Add(shift.Start + g.jitter(shift.Jitter)).Truncate(time.Second)
		out := midnight.Add(shift.End + g.jitter(shift.Jitter)).Truncate(time.Second)

		punches = append(punches, Punch{Time: in, DeviceUserID: p.DeviceUserID, Modality: mod})
		if g.faker.Float64Range(0, 1) < shift.DoublePunchRate {
			again := in.Add(time.Duration(g.faker.Number(5, 90)) * time.Second)
			punches = append(punches, Punch{Time: again, DeviceUserID: p.DeviceUserID, Modality: mod})
		}
		punches = append(punches, Punch{Time: out, DeviceUserID: p.DeviceUserID, Modality: mod})
	}

	sort.SliceStable(punches, func(i, j int) bool { return punches[i].Time.Before(punches[j].Time) })
	return punches
}

// LivePunch returns a punch at now by a random person. people must not be empty.
func (g *Generator) LivePunch(people []Person, now time.Time) Punch {
	p := people[g.faker.Number(0, len(people)-1)]
	return Punch{Time: now.Truncate(time.Second), DeviceUserID: p.DeviceUserID, Modality: g.modality(p)}
}

func (g *Generator) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(g.faker.Float64Range(-1, 1) * float64(max))
}

func (g *Generator) modality(p Person) Modality {
	options := make([]string, 0, 3)
	if p.Fingerprints > 0 {
		options = append(options, string(ModalityFingerprint))
	}
	if p.HasCard {
		options = append(options, string(ModalityCard))
	}
	if p.HasFace {
		options = append(options, string(ModalityFace))
	}
	if len(options) == 0 {
		return ModalityFingerprint
	}
	return Modality(g.faker.RandomString(options))
}
