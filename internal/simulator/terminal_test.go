package simulator_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/icholy/digest"

	"procodus.dev/biosync/internal/device"
	"procodus.dev/biosync/internal/simulator"
	"procodus.dev/biosync/pkg/generator"
)

var _ = Describe("Terminal", func() {
	var (
		terminal *simulator.Terminal
		server   *httptest.Server
		client   *http.Client
		ist      *time.Location
	)

	BeforeEach(func() {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
		ist = time.FixedZone("IST", 5*3600+1800)
		var err error
		terminal, err = simulator.NewTerminal(&simulator.TerminalConfig{
			Logger:   logger,
			Name:     "gate",
			Username: "admin",
			Password: "secret",
			Location: ist,
		})
		Expect(err).NotTo(HaveOccurred())
		server = httptest.NewServer(terminal.Handler())
		DeferCleanup(server.Close)
		client = &http.Client{Transport: &digest.Transport{Username: "admin", Password: "secret"}}
	})

	post := func(path string, body any) *http.Response {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		resp, err := client.Post(server.URL+path+"?format=json", "application/json", bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	It("rejects requests without digest credentials", func() {
		resp, err := http.Get(server.URL + device.PathUserCheck)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		Expect(resp.Header.Get("WWW-Authenticate")).To(HavePrefix("Digest "))
	})

	It("rejects wrong passwords", func() {
		bad := &http.Client{Transport: &digest.Transport{Username: "admin", Password: "nope"}}
		resp, err := bad.Get(server.URL + device.PathUserCheck)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	It("accepts valid digest credentials", func() {
		resp, err := client.Get(server.URL + device.PathUserCheck + "?format=json")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("pages through events in the requested window", func() {
		base := time.Date(2026, 3, 2, 9, 0, 0, 0, ist)
		for i := range 5 {
			terminal.Record(generator.Punch{Time: base.Add(time.Duration(i) * time.Minute), DeviceUserID: "7"})
		}
		cond := device.AcsEventCond{
			SearchID:   "s",
			MaxResults: 3,
			Major:      device.MajorEvent,
			StartTime:  base.Format(time.RFC3339),
			EndTime:    base.Add(time.Hour).Format(time.RFC3339),
		}

		var first device.AcsEventResponse
		Expect(json.NewDecoder(post(device.PathAcsEvent, device.AcsEventRequest{AcsEventCond: cond}).Body).Decode(&first)).To(Succeed())
		Expect(first.AcsEvent.ResponseStatusStrg).To(Equal(device.StatusMore))
		Expect(first.AcsEvent.InfoList).To(HaveLen(3))
		Expect(first.AcsEvent.TotalMatches).To(Equal(5))

		cond.SearchResultPosition = 3
		var second device.AcsEventResponse
		Expect(json.NewDecoder(post(device.PathAcsEvent, device.AcsEventRequest{AcsEventCond: cond}).Body).Decode(&second)).To(Succeed())
		Expect(second.AcsEvent.ResponseStatusStrg).To(Equal(device.StatusOK))
		Expect(second.AcsEvent.InfoList).To(HaveLen(2))

		cond.SearchResultPosition = 5
		var third device.AcsEventResponse
		Expect(json.NewDecoder(post(device.PathAcsEvent, device.AcsEventRequest{AcsEventCond: cond}).Body).Decode(&third)).To(Succeed())
		Expect(third.AcsEvent.ResponseStatusStrg).To(Equal(device.StatusNoMatch))
	})

	It("reports existing users on create", func() {
		body := device.UserInfoRecordRequest{UserInfo: device.UserInfo{EmployeeNo: "9", Name: "Asha"}}
		Expect(post(device.PathUserRecord, body).StatusCode).To(Equal(http.StatusOK))

		resp := post(device.PathUserRecord, body)
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		var status device.StatusResponse
		Expect(json.NewDecoder(resp.Body).Decode(&status)).To(Succeed())
		Expect(status.SubStatusCode).To(Equal(device.SubStatusEmployeeExists))
		Expect(terminal.Users()).To(ConsistOf("9"))
	})

	It("answers with the injected failure", func() {
		terminal.FailWith(http.StatusServiceUnavailable)
		resp, err := client.Get(server.URL + device.PathUserCheck)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
	})
})
