package permission

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kiln-ai/kiln/internal/bus"
	"github.com/kiln-ai/kiln/pkg/types"
)

func TestPermissionService(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Permission Service Suite")
}

var _ = Describe("Service", func() {
	var (
		b       *bus.Bus
		svc     *Service
		asked   chan bus.PermissionAskedData
		replied chan bus.PermissionRepliedData
	)

	BeforeEach(func() {
		b = bus.New()
		svc = NewService(b)
		asked = make(chan bus.PermissionAskedData, 16)
		replied = make(chan bus.PermissionRepliedData, 16)
		b.Subscribe(bus.PermissionAsked, func(e bus.Event) {
			asked <- e.Properties.(bus.PermissionAskedData)
		})
		b.Subscribe(bus.PermissionReplied, func(e bus.Event) {
			replied <- e.Properties.(bus.PermissionRepliedData)
		})
	})

	AfterEach(func() {
		Expect(b.Close()).To(Succeed())
	})

	ask := func(input AskInput) chan error {
		result := make(chan error, 1)
		go func() { result <- svc.Ask(context.Background(), input) }()
		return result
	}

	It("passes without blocking when allow rules cover every pattern", func() {
		err := svc.Ask(context.Background(), AskInput{
			SessionID:  "ses_1",
			Permission: "bash",
			Patterns:   []string{"ls", "git status"},
			Ruleset: []types.PermissionRule{
				{Permission: "bash", Pattern: "*", Action: types.ActionAllow},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(asked).To(BeEmpty())
	})

	It("fails immediately on a deny rule", func() {
		err := svc.Ask(context.Background(), AskInput{
			SessionID:  "ses_1",
			Permission: "bash",
			Patterns:   []string{"rm -rf /"},
			Ruleset: []types.PermissionRule{
				{Permission: "bash", Pattern: "rm *", Action: types.ActionDeny},
			},
		})
		var denied *DeniedError
		Expect(err).To(BeAssignableToTypeOf(denied))
		Expect(err.(*DeniedError).Pattern).To(Equal("rm -rf /"))
	})

	It("blocks on ask and resolves on a once reply", func() {
		result := ask(AskInput{SessionID: "ses_1", Permission: "edit", Patterns: []string{"main.go"}})

		var req bus.PermissionAskedData
		Eventually(asked).Should(Receive(&req))
		Consistently(result).ShouldNot(Receive())

		Expect(svc.Reply(req.ID, ReplyOnce, "")).To(Succeed())
		Eventually(result).Should(Receive(BeNil()))

		var rep bus.PermissionRepliedData
		Eventually(replied).Should(Receive(&rep))
		Expect(rep.Reply).To(Equal("once"))
	})

	It("does not persist a once reply across asks", func() {
		result := ask(AskInput{SessionID: "ses_1", Permission: "edit", Patterns: []string{"main.go"}})
		var req bus.PermissionAskedData
		Eventually(asked).Should(Receive(&req))
		Expect(svc.Reply(req.ID, ReplyOnce, "")).To(Succeed())
		Eventually(result).Should(Receive(BeNil()))

		again := ask(AskInput{SessionID: "ses_1", Permission: "edit", Patterns: []string{"main.go"}})
		Eventually(asked).Should(Receive(&req))
		Consistently(again).ShouldNot(Receive())
		Expect(svc.Reply(req.ID, ReplyOnce, "")).To(Succeed())
		Eventually(again).Should(Receive(BeNil()))
	})

	It("persists allow rules on an always reply", func() {
		result := ask(AskInput{
			SessionID:  "ses_1",
			Permission: "bash",
			Patterns:   []string{"git status"},
			Always:     []string{"git *"},
		})
		var req bus.PermissionAskedData
		Eventually(asked).Should(Receive(&req))
		Expect(svc.Reply(req.ID, ReplyAlways, "")).To(Succeed())
		Eventually(result).Should(Receive(BeNil()))

		err := svc.Ask(context.Background(), AskInput{
			SessionID:  "ses_1",
			Permission: "bash",
			Patterns:   []string{"git push origin"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(svc.Approved()).To(ContainElement(types.PermissionRule{
			Permission: "bash", Pattern: "git *", Action: types.ActionAllow,
		}))
	})

	It("auto-resolves covered peers on an always reply", func() {
		first := ask(AskInput{
			SessionID:  "ses_1",
			Permission: "bash",
			Patterns:   []string{"git status"},
			Always:     []string{"git *"},
		})
		var req1 bus.PermissionAskedData
		Eventually(asked).Should(Receive(&req1))

		second := ask(AskInput{
			SessionID:  "ses_1",
			Permission: "bash",
			Patterns:   []string{"git diff"},
		})
		var req2 bus.PermissionAskedData
		Eventually(asked).Should(Receive(&req2))

		Expect(svc.Reply(req1.ID, ReplyAlways, "")).To(Succeed())
		Eventually(first).Should(Receive(BeNil()))
		Eventually(second).Should(Receive(BeNil()))
		Expect(svc.List()).To(BeEmpty())
	})

	It("cascades rejection to same-session peers", func() {
		first := ask(AskInput{SessionID: "ses_1", Permission: "edit", Patterns: []string{"a.go"}})
		var req1 bus.PermissionAskedData
		Eventually(asked).Should(Receive(&req1))

		second := ask(AskInput{SessionID: "ses_1", Permission: "edit", Patterns: []string{"b.go"}})
		Eventually(asked).Should(Receive())

		other := ask(AskInput{SessionID: "ses_2", Permission: "edit", Patterns: []string{"c.go"}})
		Eventually(asked).Should(Receive())

		Expect(svc.Reply(req1.ID, ReplyReject, "")).To(Succeed())

		var err error
		Eventually(first).Should(Receive(&err))
		Expect(err).To(BeAssignableToTypeOf(&RejectedError{}))
		Eventually(second).Should(Receive(&err))
		Expect(err).To(BeAssignableToTypeOf(&RejectedError{}))

		// other session untouched
		Consistently(other).ShouldNot(Receive())
		Expect(svc.List()).To(HaveLen(1))
	})

	It("exempts no-cascade requests from peer rejection", func() {
		first := ask(AskInput{SessionID: "ses_1", Permission: "edit", Patterns: []string{"a.go"}})
		var req1 bus.PermissionAskedData
		Eventually(asked).Should(Receive(&req1))

		exempt := ask(AskInput{SessionID: "ses_1", Permission: "edit", Patterns: []string{"b.go"}, NoCascade: true})
		Eventually(asked).Should(Receive())

		Expect(svc.Reply(req1.ID, ReplyReject, "")).To(Succeed())
		var err error
		Eventually(first).Should(Receive(&err))
		Expect(err).To(BeAssignableToTypeOf(&RejectedError{}))
		Consistently(exempt).ShouldNot(Receive())
	})

	It("turns a rejection with a message into guidance", func() {
		result := ask(AskInput{SessionID: "ses_1", Permission: "bash", Patterns: []string{"make deploy"}})
		var req bus.PermissionAskedData
		Eventually(asked).Should(Receive(&req))

		Expect(svc.Reply(req.ID, ReplyReject, "use make stage instead")).To(Succeed())
		var err error
		Eventually(result).Should(Receive(&err))
		corrected, ok := err.(*CorrectedError)
		Expect(ok).To(BeTrue())
		Expect(corrected.Message).To(Equal("use make stage instead"))
	})

	It("withdraws the request when the caller's context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		result := make(chan error, 1)
		go func() {
			result <- svc.Ask(ctx, AskInput{SessionID: "ses_1", Permission: "edit", Patterns: []string{"a.go"}})
		}()
		Eventually(asked).Should(Receive())
		Expect(svc.List()).To(HaveLen(1))

		cancel()
		var err error
		Eventually(result).Should(Receive(&err))
		Expect(err).To(MatchError(context.Canceled))
		Eventually(svc.List).Should(BeEmpty())
	})

	It("rejects replies to unknown requests", func() {
		Expect(svc.Reply("per_missing", ReplyOnce, "")).To(HaveOccurred())
	})
})
