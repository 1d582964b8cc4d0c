package trainer_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestTrainer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Trainer Suite")
}
